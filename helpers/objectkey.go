package helpers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const objectKeyUserPrefix = "user-"

// NewObjectKey builds a unique primary storage key for an upload:
//
//	user-<id>/<name>_<unix millis>_<8 hex><.ext>
//
// An empty name becomes "unnamed_<unix millis>".
func NewObjectKey(userID int64, originalName string, now time.Time) string {
	millis := now.UnixMilli()
	name := SanitizeFileName(originalName)
	if name == "" {
		name = fmt.Sprintf("unnamed_%d", millis)
	}

	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i:]
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d/%s_%d_%s%s", objectKeyUserPrefix, userID, base, millis, suffix, ext)
}

// OwnerFromObjectKey returns the user id encoded in a key made by
// NewObjectKey.
func OwnerFromObjectKey(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, objectKeyUserPrefix)
	if !ok {
		return 0, false
	}
	idPart, _, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
