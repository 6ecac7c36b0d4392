// Package wasm hosts local adapters as WebAssembly modules.
//
// Each adapter is described by a YAML manifest next to its module:
//
//	address: ledger
//	version: 1.2.0
//	entrypoint: ledger.wasm
//	checksum: 94b81af9...
//	capabilities: [log]
//	timeout: 5s
//
// A Registry instantiates every manifest in a directory with wazero and
// registers the module with an engine.DomainDispatcher under its address.
// Watch keeps the directory in sync as files change.
//
// A call that exceeds its timeout closes the module instance; the next call
// starts from a fresh instance.
package wasm
