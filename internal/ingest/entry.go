package ingest

import "regexp"

// entryPattern matches event documents inside an archive, e.g.
// "ID1000000000000000000000000000000001.S-2200.xml".
var entryPattern = regexp.MustCompile(`^(ID1\d{33})\.S-(\d{4})\.xml$`)

// parseEntryName returns the event id and code ("S-2200") of an archive
// entry, or ok=false when the entry is not an event document.
func parseEntryName(name string) (id, code string, ok bool) {
	m := entryPattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], "S-" + m[2], true
}

// rawKey is the object storage key of a retained raw document.
func rawKey(code, id string) string {
	return "raw/" + code + "/" + id + ".xml.sz"
}
