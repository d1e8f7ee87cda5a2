//go:build linux

package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// groupRSS sums the resident set of every process whose process group is
// pgid, read from /proc/<pid>/stat.
func groupRSS(pgid int) (int64, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}
	page := int64(unix.Getpagesize())
	var total int64
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", e.Name(), "stat"))
		if err != nil {
			continue // exited
		}
		group, pages, ok := parseStat(data)
		if ok && group == pgid {
			total += pages * page
		}
	}
	return total, nil
}

// parseStat extracts pgrp (field 5) and rss (field 24) from a stat line.
// The command name in field 2 may contain spaces, so fields are counted
// from the closing parenthesis.
func parseStat(data []byte) (pgrp int, rssPages int64, ok bool) {
	end := bytes.LastIndexByte(data, ')')
	if end < 0 {
		return 0, 0, false
	}
	fields := bytes.Fields(data[end+1:])
	// fields[0] is state (field 3).
	if len(fields) < 22 {
		return 0, 0, false
	}
	g, err := strconv.Atoi(string(fields[2]))
	if err != nil {
		return 0, 0, false
	}
	rss, err := strconv.ParseInt(string(fields[21]), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return g, rss, true
}
