// Package server implements the patch receiver: a service accepting
// payloads over the network and loading them into a running host.
//
// The receiver speaks gRPC and the Connect protocol on one port, both
// carrying CBOR messages. Deliveries can be archived in a patch.Store and
// restored when the process starts again.
package server
