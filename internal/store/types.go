// Package store implements the Repository: the persistence boundary for
// VideoUnit and VideoFile metadata (spec.md §3). It owns the transactional
// NewFile/EndFile commits the Capture Actor depends on and the oldest-first
// query the Retention Worker sweeps against.
package store

import "time"

// VideoUnit is one logical recording segment for one Camera.
//
// Invariant: BeginTime <= EndTime; EndTime equals BeginTime until the
// segment closes.
type VideoUnit struct {
	ID        string
	CameraID  string
	BeginTime time.Time
	EndTime   time.Time
}

// Sealed reports whether this segment has been closed by an EndFile.
func (u VideoUnit) Sealed() bool {
	return !u.EndTime.Equal(u.BeginTime)
}

// VideoFile is the physical container bound 1:1 to a VideoUnit.
//
// Size is -1 while the file is still being written by the Capture Worker.
type VideoFile struct {
	ID          string
	VideoUnitID string
	Filename    string
	Size        int64
}

// Open reports whether the file is still being written.
func (f VideoFile) Open() bool {
	return f.Size == -1
}

// Segment pairs a VideoUnit with its VideoFile, the shape the Retention
// Worker and admin surface actually want to query against.
type Segment struct {
	Unit VideoUnit
	File VideoFile
}
