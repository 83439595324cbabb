package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrTaskIDRequired indicates no task id was provided.
var ErrTaskIDRequired = errors.New("task id required")

// ParseTaskID parses a single task id from args.
//
// Accepted forms: "3" and "#3". Ids are 1-based; anything else is
// "invalid task id: <arg>".
func ParseTaskID(args []string) (uint64, error) {
	if len(args) == 0 {
		return 0, ErrTaskIDRequired
	}
	if len(args) > 1 {
		return 0, fmt.Errorf("unexpected argument: %s", args[1])
	}
	return parseTaskID(args[0])
}

// ParseTaskIDs parses one or more task ids, keeping their order and
// dropping repeats.
func ParseTaskIDs(args []string) ([]uint64, error) {
	if len(args) == 0 {
		return nil, ErrTaskIDRequired
	}
	seen := make(map[uint64]bool, len(args))
	ids := make([]uint64, 0, len(args))
	for _, arg := range args {
		id, err := parseTaskID(arg)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func parseTaskID(arg string) (uint64, error) {
	digits := strings.TrimPrefix(arg, "#")
	if !isAllDigits(digits) {
		return 0, fmt.Errorf("invalid task id: %s", arg)
	}
	id, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid task id: %s", arg)
	}
	return id, nil
}

// isAllDigits returns true if s consists only of ASCII digits and is non-empty.
func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
