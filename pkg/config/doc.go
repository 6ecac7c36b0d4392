// Package config loads the processor configuration and operator batch files.
//
// # Configuration
//
// Load layers values in this order: built-in defaults, the YAML file, any
// .env files, then environment variables prefixed with PROCESSOR_. Nested
// sections extend the prefix:
//
//	PROCESSOR_DOMAIN=payments
//	PROCESSOR_STORE_PATH=/var/lib/processor
//	PROCESSOR_JOURNAL_SCHEDULE="0 3 * * *"
//	PROCESSOR_TELEMETRY_LOG_LEVEL=debug
//
// The result is validated with struct tags; the journal schedule must be a
// valid cron expression.
//
// # Batch files
//
// BatchLoader reads the files given to "processor enqueue -f". YAML, JSON
// and CUE files are checked against a CUE schema:
//
//	batches:
//	  - execution_id: 7
//	    priority: high
//	    subroutine:
//	      kind: non_atomic
//	      functions:
//	        - target: {address: ledger}
//	          payload: '{"debit": 10}'
//	          retry_logic:
//	            times: {kind: amount, amount: 3}
//	            interval: {kind: height, value: 2}
//
// Starlark files (.star) generate the same structure by assigning a global
// named batches. Variables passed with --set are predeclared:
//
//	batches = [
//	    {
//	        "execution_id": first + i,
//	        "subroutine": {
//	            "kind": "atomic",
//	            "functions": [{"target": {"address": "ledger"}}],
//	        },
//	    }
//	    for i in range(count)
//	]
package config
