package inbox

import (
	"regexp"
	"strings"
)

// headerPrefix marks the start of a record at column 0.
const headerPrefix = "* MESSAGE "

var tagRe = regexp.MustCompile(`^:[A-Za-z_]+:$`)

// parsed is a Record plus its position in the file, used by the rewrite
// operations to edit records surgically without disturbing anything else.
type parsed struct {
	Record
	headerLine int // index of the "* MESSAGE" line
	endLine    int // index one past the last line of the record
	propsEnd   int // index of the ":END:" line, -1 if the block never closed
	complete   bool
}

// parseAll splits content into records. Incomplete records (a properties
// block that never closes, e.g. a concurrent writer's partial append at
// the tail) are returned with complete == false so callers can skip them.
func parseAll(content string) []parsed {
	lines := strings.Split(content, "\n")
	var out []parsed

	for i := 0; i < len(lines); {
		if !strings.HasPrefix(lines[i], headerPrefix) {
			i++
			continue
		}

		rec := parsed{headerLine: i, propsEnd: -1}
		rec.Timestamp, rec.Tag = parseHeader(lines[i])

		// Record extends to the next header or EOF.
		end := i + 1
		for end < len(lines) && !strings.HasPrefix(lines[end], headerPrefix) {
			end++
		}
		rec.endLine = end

		// Properties block: lines strictly between :PROPERTIES: and :END:.
		j := i + 1
		for j < end && strings.TrimSpace(lines[j]) == "" {
			j++
		}
		if j < end && strings.TrimSpace(lines[j]) == ":PROPERTIES:" {
			k := j + 1
			for k < end && strings.TrimSpace(lines[k]) != ":END:" {
				if key, val, ok := parseProperty(lines[k]); ok {
					rec.Props = append(rec.Props, Property{Key: key, Value: val})
				}
				k++
			}
			if k < end {
				rec.propsEnd = k
				rec.complete = true
				rec.Body = parseBody(lines[k+1 : end])
			}
		}

		out = append(out, rec)
		i = end
	}
	return out
}

// parseHeader splits a "* MESSAGE <timestamp> :tag:" line into the
// timestamp and at most one status tag. Trailing :word: tokens are tags;
// everything between the prefix and the tags is the timestamp.
func parseHeader(line string) (string, Tag) {
	rest := strings.TrimPrefix(line, headerPrefix)

	fields := strings.Fields(rest)
	n := len(fields)
	var tag Tag
	for n > 0 && tagRe.MatchString(fields[n-1]) {
		t := Tag(strings.Trim(fields[n-1], ":"))
		for _, st := range statusTags {
			if t == st {
				tag = t
			}
		}
		n--
	}
	return strings.TrimSpace(strings.Join(fields[:n], " ")), tag
}

// parseProperty parses a ":KEY: VALUE" line. Returns ok == false for
// lines that are not property-shaped; such lines are ignored on read but
// survive rewrites untouched because edits are line-based.
func parseProperty(line string) (string, string, bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, ":") {
		return "", "", false
	}
	rest := s[1:]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return "", "", false
	}
	return rest[:idx], strings.TrimSpace(rest[idx+1:]), true
}

// parseBody joins body lines, dropping outer blank lines but preserving
// interior whitespace exactly.
func parseBody(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// stripStatusTags removes every status tag from a header line, returning
// the cleaned line. Other trailing tags are left in place.
func stripStatusTags(header string) string {
	for _, t := range statusTags {
		header = strings.ReplaceAll(header, " :"+string(t)+":", "")
		header = strings.ReplaceAll(header, ":"+string(t)+":", "")
	}
	return strings.TrimRight(header, " \t")
}
