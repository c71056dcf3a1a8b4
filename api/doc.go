// Package api defines the JSON wire types exchanged with the queue server.
//
// Every response is wrapped in an Envelope. The payload travels in Data and is
// decoded into the operation specific type (Requirement, Token). Field names
// follow the server's camelCase JSON.
package api
