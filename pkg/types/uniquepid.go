package types

import "fmt"

// UniquePid identifies either a single worker or, when its Pid field
// holds the first worker's virtual pid, an entire computation group. The
// zero value (ZeroUniquePid) means "no computation group yet" and is
// compared by value, matching the original coordinator's UniquePid(0,0,0)
// sentinel.
type UniquePid struct {
	HostID     uint64
	Pid        int32
	Time       uint64
	Generation uint32
}

// ZeroUniquePid is the sentinel meaning "no computation group".
var ZeroUniquePid = UniquePid{}

// IsZero reports whether u is the zero group.
func (u UniquePid) IsZero() bool {
	return u == ZeroUniquePid
}

func (u UniquePid) String() string {
	return fmt.Sprintf("%x-%d-%x-%d", u.HostID, u.Pid, u.Time, u.Generation)
}

// IncrementGeneration returns a copy of u with Generation advanced by one.
// Callers must assign the result back; UniquePid is a plain value type.
func (u UniquePid) IncrementGeneration() UniquePid {
	u.Generation++
	return u
}
