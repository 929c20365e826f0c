package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

// toConfigData stores a configuration as text. Strings and bytes are kept as
// they are, anything else is JSON encoded.
func toConfigData(config any) (sql.NullString, error) {
	switch c := config.(type) {
	case nil:
		return sql.NullString{}, nil

	case string:
		return sql.NullString{String: c, Valid: true}, nil

	case []byte:
		return sql.NullString{String: string(c), Valid: true}, nil

	default:
		p, err := json.Marshal(config)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("marshaling config: %w", err)
		}
		return sql.NullString{String: string(p), Valid: true}, nil
	}
}
