package es

import "fmt"

// ExpectedVersion is the caller's claim about an aggregate's current version at append time.
// A mismatch with the stored head fails the append with a concurrency conflict.
type ExpectedVersion struct {
	value int64
}

const (
	expectedVersionAny      = -1
	expectedVersionNoStream = -2
)

// Any returns an ExpectedVersion that skips the version claim.
// The engine appends after whatever head it observes inside the transaction.
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionAny}
}

// NoStream returns an ExpectedVersion that requires the aggregate to have no events.
// It is equivalent to Exact(0).
func NoStream() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionNoStream}
}

// Exact returns an ExpectedVersion that requires the aggregate head to be exactly version.
// Exact(0) means the aggregate must not exist yet.
func Exact(version int64) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("exact version must be non-negative, got %d", version))
	}
	return ExpectedVersion{value: version}
}

// IsAny returns true if this is an "Any" expected version.
func (ev ExpectedVersion) IsAny() bool {
	return ev.value == expectedVersionAny
}

// IsNoStream returns true for NoStream and for Exact(0).
func (ev ExpectedVersion) IsNoStream() bool {
	return ev.value == expectedVersionNoStream || ev.value == 0
}

// IsExact returns true if this is an "Exact" expected version.
func (ev ExpectedVersion) IsExact() bool {
	return ev.value >= 0
}

// Head returns the head version the caller expects, and false for Any.
func (ev ExpectedVersion) Head() (int64, bool) {
	switch {
	case ev.IsAny():
		return 0, false
	case ev.value == expectedVersionNoStream:
		return 0, true
	default:
		return ev.value, true
	}
}

// Matches reports whether current satisfies the expectation.
func (ev ExpectedVersion) Matches(current int64) bool {
	head, ok := ev.Head()
	return !ok || head == current
}

// String returns a string representation of the ExpectedVersion.
func (ev ExpectedVersion) String() string {
	if ev.IsAny() {
		return "Any"
	}
	if ev.value == expectedVersionNoStream {
		return "NoStream"
	}
	return fmt.Sprintf("Exact(%d)", ev.value)
}
