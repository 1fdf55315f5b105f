package policyfile

import "os"

// ExpandEnv expands ${VAR} / $VAR references in the raw document before
// it is parsed as YAML, so a policy file can read e.g. a budget ceiling
// from the environment rather than hard-coding it. Missing variables
// expand to empty string; validation catches the fields that matter.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
