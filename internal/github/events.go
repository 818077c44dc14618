package github

import (
	"encoding/binary"
	"strconv"

	"github.com/zeebo/blake3"
)

// SyntheticEventID derives a stable key for events the remote sends without
// one. The key hashes the event's stable fields into 63 bits and is always
// positive.
func SyntheticEventID(repositoryID int64, ev IssueEvent) int64 {
	h := blake3.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(strconv.FormatInt(repositoryID, 10))
	if ev.Issue != nil {
		write(strconv.FormatInt(ev.Issue.ID, 10))
	}
	write(ev.Event)
	write(ev.CommitID)
	write(ev.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	if ev.Actor != nil {
		write(strconv.FormatInt(ev.Actor.ID, 10))
	}
	if ev.Source != nil {
		write(ev.Source.Type)
		write(strconv.FormatInt(ev.Source.CommentID, 10))
		write(ev.Source.IssueURL)
	}
	sum := h.Sum(nil)
	id := int64(binary.BigEndian.Uint64(sum[:8]) & (1<<63 - 1))
	if id == 0 {
		id = 1
	}
	return id
}

// EventID returns ev's remote ID, or its synthetic ID when the remote sent none.
func EventID(repositoryID int64, ev IssueEvent) int64 {
	if ev.ID != 0 {
		return ev.ID
	}
	return SyntheticEventID(repositoryID, ev)
}
