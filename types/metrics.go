package types

// Metrics summarizes the foreign memory ledger of a Library.
type Metrics struct {
	// Allocations counts buffers allocated through the library's malloc.
	Allocations uint64 `json:"allocations" msgpack:"allocations"`
	// Adoptions counts buffers the library allocated and handed over.
	Adoptions uint64 `json:"adoptions" msgpack:"adoptions"`
	Frees     uint64 `json:"frees" msgpack:"frees"`
	// LiveBuffers and LiveObjects are zero whenever no call is in progress.
	LiveBuffers int `json:"live_buffers" msgpack:"live_buffers"`
	LiveObjects int `json:"live_objects" msgpack:"live_objects"`
}
