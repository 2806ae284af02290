// Package framework contains the infrastructure shared by every conformance sequence.
//
// The general model is:
//
// 1. A check is one assertion about the server under test. Checks are grouped into sequences,
// which run in order against a session: a set of key/value inputs shared between sequences.
//
// 2. Each check runs with a test context similar to Go's *testing.T (see package runner). Its
// outcome comes either from testify assertions or from the error taxonomy in package outcome.
//
// 3. A check that needs a human to act, such as authorizing an app, suspends its sequence. An
// external HTTP callback (see package harness) later resumes it from the next check.
//
// The domain-specific code that knows what is being tested provides the sequences and the
// clients they use to talk to the server.
package framework
