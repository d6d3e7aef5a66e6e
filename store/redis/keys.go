package redis

// Redis key naming conventions for pipeline data.
// All keys are prefixed with "pipeline:" to avoid collisions.

const keyPrefix = "pipeline:"

// requestKey returns the key holding a request document: pipeline:request:{id}
func requestKey(id string) string { return keyPrefix + "request:" + id }

// reportKey returns the claim key for a bug report: pipeline:report:{bugID}.
// It holds the id of the report's in-flight request and is removed when
// that request reaches a terminal status.
func reportKey(bugID string) string { return keyPrefix + "report:" + bugID }

// requestIDsKey is the Set tracking request IDs for enumeration. Entries
// whose document has expired are pruned lazily by Scan.
const requestIDsKey = keyPrefix + "requests"
