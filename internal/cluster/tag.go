package cluster

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const tagPrefix = "ET"

// NewID derives a cluster id from its open time. The id encodes the Unix
// second in base 36 so the open time survives a restart through venue tags.
func NewID(openedAt time.Time) string {
	return strconv.FormatInt(openedAt.Unix(), 36)
}

// OpenedAtFromID is the inverse of NewID.
func OpenedAtFromID(id string) (time.Time, bool) {
	sec, err := strconv.ParseInt(id, 36, 64)
	if err != nil || sec <= 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// Tag is the venue comment carried by every order, position and deal of a
// stage: ET<rank>-<cluster id>.
func Tag(id string, rank int) string {
	return fmt.Sprintf("%s%d-%s", tagPrefix, rank, id)
}

// ParseTag splits a stage tag. ok is false for anything the engine did not
// place.
func ParseTag(tag string) (id string, rank int, ok bool) {
	if !strings.HasPrefix(tag, tagPrefix) {
		return "", 0, false
	}
	rest := tag[len(tagPrefix):]
	dash := strings.IndexByte(rest, '-')
	if dash <= 0 || dash == len(rest)-1 {
		return "", 0, false
	}
	rank, err := strconv.Atoi(rest[:dash])
	if err != nil || rank < 1 || rank > Stages {
		return "", 0, false
	}
	return rest[dash+1:], rank, true
}
