// Package recovery replays an archival log file written by pkg/logline back
// into in-memory LogEntry/uuid state, so a restarted scribe can rejoin the
// gossip round already knowing what it knew before it stopped. It mirrors
// the original implementation's read_posts_ex: a single forward pass that
// tolerates legacy line shapes, defers deletions until the whole file has
// been read, and periodically compacts its working set so an oversized
// archival file never forces the whole thing into memory at once.
package recovery

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"chat-scribe/pkg/logline"
	"chat-scribe/pkg/logstore"
)

// Result is the reconstructed state from replaying a log file.
type Result struct {
	Entries []logstore.LogEntry
	UUIDs   map[uint64]string
}

// legacyTag marks the raw-frame-dump line shape written by producers older
// than version 1.2, before POST/LOGPOST lines carried an explicit "from"
// field. A legacy line never yields a LogEntry of its own: it records the
// sender of a post that appears elsewhere in the file (by that post's own
// id), decoded from the JSON frame embedded in its "content" field.
const legacyTag = "MESSAGE"

var knownTags = map[string]bool{
	"SCRIBE":  true,
	"POST":    true,
	"LOGPOST": true,
	legacyTag: true,
	"DELETE":  true,
	"UUID":    true,
}

// legacyVersionCutoff is the producer version at which MESSAGE lines stop
// carrying useful sender information; SCRIBE lines from this version or
// later always have the "from" field on POST/LOGPOST directly, and their
// MESSAGE lines (if any) are ignored.
var legacyVersionCutoff = [2]int{1, 2}

// legacyFrame is the shape of the JSON value embedded in a MESSAGE line's
// "content" field: the raw client-to-client envelope the pre-1.2 bot logged
// verbatim instead of extracting a structured POST/LOGPOST line from.
type legacyFrame struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	From string          `json:"from"`
	Data legacyFrameData `json:"data"`
}

// legacyFrameData is a MESSAGE frame's nested "data": either a single post
// (type "post", sender taken from the frame's own "from") or a bulk log
// delivery (type "log", a list of entries each carrying its own "from").
type legacyFrameData struct {
	Type string          `json:"type"`
	Data []legacyLogItem `json:"data"`
}

type legacyLogItem struct {
	ID   string `json:"id"`
	From string `json:"from"`
}

// parseVersion parses a "major.minor[.patch...]" version string into its
// leading (major, minor) pair. An unparseable or empty string sorts before
// every real version, matching the original loader's empty-tuple default
// for a file with no SCRIBE line yet.
func parseVersion(s string) (major, minor int) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

func versionLess(major, minor int, cutoff [2]int) bool {
	if major != cutoff[0] {
		return major < cutoff[0]
	}
	return minor < cutoff[1]
}

// Load replays every recognized line of src. maxLen of 0 keeps everything;
// otherwise the working set is compacted to the newest maxLen entries both
// periodically during the read and once more at the end, and the uuid map
// is capped to maxLen entries, oldest dropped first.
func Load(src io.Reader, maxLen int) (Result, error) {
	lines, err := logline.ParseFile(src)
	if err != nil {
		return Result{}, fmt.Errorf("recovery: reading log file: %w", err)
	}

	var entries []logstore.LogEntry
	byID := map[logstore.MsgID]int{} // id -> index into entries, for in-place replace
	uuids := map[uint64]string{}
	var uuidOrder []uint64
	froms := map[logstore.MsgID]uint64{} // post id -> sender, recovered from legacy MESSAGE lines
	noSender := map[logstore.MsgID]bool{} // post ids whose own line carried no "from" field
	var dels []logstore.MsgID
	var cverMajor, cverMinor int // producer version, from the most recent SCRIBE line

	truncate := func() {
		if maxLen <= 0 || len(entries) < 2*maxLen {
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		entries = append([]logstore.LogEntry(nil), entries[len(entries)-maxLen:]...)
		byID = make(map[logstore.MsgID]int, len(entries))
		for i, e := range entries {
			byID[e.ID] = i
		}
	}

	for _, line := range lines {
		if !knownTags[line.Tag] {
			continue
		}
		f := logline.Fields(line.Fields)

		switch line.Tag {
		case "SCRIBE":
			version, _ := f.String("version")
			cverMajor, cverMinor = parseVersion(version)
			continue

		case legacyTag:
			if !versionLess(cverMajor, cverMinor, legacyVersionCutoff) {
				continue
			}
			content, ok := f.String("content")
			if !ok {
				continue
			}
			var frame legacyFrame
			if json.Unmarshal([]byte(content), &frame) != nil {
				continue
			}
			if frame.Type != "broadcast" && frame.Type != "unicast" {
				continue
			}
			switch frame.Data.Type {
			case "post":
				if id, err := logstore.ParseMsgID(frame.ID); err == nil && frame.From != "" {
					froms[id] = logstore.ParseSender(frame.From)
				}
			case "log":
				for _, item := range frame.Data.Data {
					id, err := logstore.ParseMsgID(item.ID)
					if err != nil || item.From == "" {
						continue
					}
					froms[id] = logstore.ParseSender(item.From)
				}
			}
			continue

		case "UUID":
			user, ok := fieldUint64(f, "user")
			if idStr, isStr := f.String("id"); isStr {
				// pkg/scribe writes the peer id under "id", encoded the same
				// way the live engine encodes it.
				user, ok = logstore.ParseSender(idStr), idStr != ""
			}
			uuid, ok2 := f.String("uuid")
			if !ok || !ok2 {
				continue
			}
			if _, exists := uuids[user]; !exists {
				uuidOrder = append(uuidOrder, user)
			}
			uuids[user] = uuid
			if maxLen > 0 {
				for len(uuidOrder) > maxLen {
					delete(uuids, uuidOrder[0])
					uuidOrder = uuidOrder[1:]
				}
			}

		case "DELETE":
			idStr, ok := f.String("id")
			if !ok {
				continue
			}
			id, err := logstore.ParseMsgID(idStr)
			if err != nil {
				continue
			}
			dels = append(dels, id)

		case "POST", "LOGPOST":
			e, hasSender, ok := decodeEntry(f)
			if !ok {
				continue
			}
			if !hasSender {
				noSender[e.ID] = true
			}
			if i, exists := byID[e.ID]; exists {
				entries[i] = e
			} else {
				byID[e.ID] = len(entries)
				entries = append(entries, e)
			}
			truncate()
		}
	}

	if len(dels) > 0 {
		delSet := make(map[logstore.MsgID]bool, len(dels))
		for _, id := range dels {
			delSet[id] = true
		}
		kept := entries[:0]
		for _, e := range entries {
			if !delSet[e.ID] {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	if maxLen > 0 && len(entries) > maxLen {
		entries = append([]logstore.LogEntry(nil), entries[len(entries)-maxLen:]...)
	}

	// Backfill sender on any entry a legacy MESSAGE line recovered a binding
	// for but whose own POST/LOGPOST line predates the explicit "from"
	// field, the same final pass read_posts_ex makes over froms.
	for i, e := range entries {
		if noSender[e.ID] {
			if sender, ok := froms[e.ID]; ok {
				entries[i].Sender = sender
			}
		}
	}

	return Result{Entries: entries, UUIDs: uuids}, nil
}

// decodeEntry parses a POST/LOGPOST line. The second return value reports
// whether the line carried its own "from" field, distinguishing an absent
// sender (a candidate for legacy backfill) from an explicit sender of 0.
func decodeEntry(f logline.Fields) (e logstore.LogEntry, hasSender, ok bool) {
	idStr, ok := f.String("id")
	if !ok {
		return logstore.LogEntry{}, false, false
	}
	id, err := logstore.ParseMsgID(idStr)
	if err != nil {
		return logstore.LogEntry{}, false, false
	}
	e.ID = id

	if parentStr, ok := f.String("parent"); ok && parentStr != "" {
		if p, err := logstore.ParseMsgID(parentStr); err == nil {
			e.Parent = &p
		}
	}

	e.Nick, _ = f.String("nick")
	e.Text, _ = f.String("text")
	sender, hasSender := fieldUint64(f, "from")
	e.Sender = sender

	return e, hasSender, true
}

func fieldUint64(f logline.Fields, key string) (uint64, bool) {
	if v, ok := f.Int64(key); ok {
		return uint64(v), true
	}
	if s, ok := f.String(key); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}
