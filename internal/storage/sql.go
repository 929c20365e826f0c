package storage

import (
	_ "embed"
)

//go:embed schema.sql
var initSchemaSQL string

//go:embed indexes.sql
var initIndexesSQL string

const (
	insertFlightSQL = `
INSERT INTO flights (uuid,
                     start_time,
                     target_mode,
                     config)
VALUES (?, ?, ?, ?)`

	selectFlightSQL = `
SELECT 
    id, 
    uuid, 
    start_time, 
    target_mode, 
    config 
FROM flights 
WHERE 
    id = ?`

	selectFlightsSQL = `
SELECT 
    id, 
    uuid, 
    start_time, 
    target_mode, 
    config 
FROM flights
ORDER BY start_time, id`

	insertCommandSQL = `
INSERT INTO commands (flight_id,
                      kind,
                      argument,
                      issued_at,
                      replied_at,
                      accepted,
                      error)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectCommandsSQL = `
SELECT 
    id, 
    flight_id, 
    kind, 
    argument, 
    issued_at, 
    replied_at, 
    accepted, 
    error 
FROM commands 
WHERE 
    flight_id = ? 
ORDER BY issued_at, id`

	insertStateSQL = `
INSERT INTO states (flight_id,
                    timestamp,
                    connected,
                    mode,
                    armed,
                    system_status)
VALUES (?, ?, ?, ?, ?, ?)`

	selectStatesSQL = `
SELECT 
    id, 
    flight_id, 
    timestamp, 
    connected, 
    mode, 
    armed, 
    system_status 
FROM states 
WHERE 
    flight_id = ? 
ORDER BY timestamp, id`

	insertSetpointSQL = `
INSERT INTO setpoints (flight_id,
                       timestamp,
                       x,
                       y,
                       z)
VALUES `

	selectSetpointsSQL = `
SELECT 
    id, 
    flight_id, 
    timestamp, 
    x, 
    y, 
    z 
FROM setpoints 
WHERE 
    flight_id = ? 
ORDER BY timestamp, id`
)
