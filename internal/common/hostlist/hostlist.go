// Package hostlist handles compressed node-name expressions of the form
// "tux[0-15,18],login1". Expressions are how node sets travel in RPCs and
// state files; bit-level node sets are package bitmap's concern.
package hostlist

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Hostlist is an ordered list of node names. Duplicates are preserved;
// the ARBITRARY task distribution relies on repeated entries.
type Hostlist struct {
	names []string
}

func New() *Hostlist {
	return &Hostlist{}
}

func (h *Hostlist) Push(name string) {
	h.names = append(h.names, name)
}

func (h *Hostlist) Count() int {
	return len(h.names)
}

func (h *Hostlist) Names() []string {
	return h.names
}

// Expand parses a hostlist expression into individual names.
func Expand(expr string) ([]string, error) {
	var out []string
	for _, part := range splitOutsideBrackets(expr) {
		if part == "" {
			continue
		}
		open := strings.IndexByte(part, '[')
		if open < 0 {
			out = append(out, part)
			continue
		}
		close_ := strings.IndexByte(part, ']')
		if close_ < open {
			return nil, errors.Errorf("hostlist: malformed expression %q", part)
		}
		prefix := part[:open]
		suffix := part[close_+1:]
		for _, tok := range strings.Split(part[open+1:close_], ",") {
			first, last, width, err := parseNumRange(tok)
			if err != nil {
				return nil, err
			}
			for i := first; i <= last; i++ {
				out = append(out, prefix+pad(i, width)+suffix)
			}
		}
	}
	return out, nil
}

// RangedString compresses the names back into a bracketed expression.
// Names sharing a prefix with a numeric suffix collapse into ranges;
// order of first appearance is kept for distinct prefixes.
func (h *Hostlist) RangedString() string {
	type group struct {
		prefix string
		width  int
		nums   []int
	}
	var order []string
	groups := map[string]*group{}
	var plain []string
	for _, name := range h.names {
		prefix, num, width, ok := splitNumSuffix(name)
		if !ok {
			plain = append(plain, name)
			continue
		}
		// Only zero-padded numbers keep their width; an unpadded number
		// joins a padded group of its own length when one exists.
		if width == 1 || name[len(name)-width] != '0' {
			if _, padded := groups[prefix+"/"+strconv.Itoa(width)]; !padded {
				width = 0
			}
		}
		key := prefix + "/" + strconv.Itoa(width)
		g, seen := groups[key]
		if !seen {
			g = &group{prefix: prefix, width: width}
			groups[key] = g
			order = append(order, key)
		}
		g.nums = append(g.nums, num)
	}

	var parts []string
	for _, key := range order {
		g := groups[key]
		slices.Sort(g.nums)
		if len(g.nums) == 1 {
			parts = append(parts, g.prefix+pad(g.nums[0], g.width))
			continue
		}
		parts = append(parts, g.prefix+"["+compressRanges(g.nums, g.width)+"]")
	}
	parts = append(parts, plain...)
	return strings.Join(parts, ",")
}

func compressRanges(nums []int, width int) string {
	var sb strings.Builder
	for i := 0; i < len(nums); {
		j := i
		for j+1 < len(nums) && nums[j+1] <= nums[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if nums[i] == nums[j] {
			sb.WriteString(pad(nums[i], width))
		} else {
			sb.WriteString(pad(nums[i], width))
			sb.WriteByte('-')
			sb.WriteString(pad(nums[j], width))
		}
		i = j + 1
	}
	return sb.String()
}

func splitOutsideBrackets(expr string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, expr[start:])
	return parts
}

func parseNumRange(tok string) (first, last, width int, err error) {
	if dash := strings.IndexByte(tok, '-'); dash > 0 {
		first, err = strconv.Atoi(tok[:dash])
		if err != nil {
			return 0, 0, 0, errors.Wrapf(err, "hostlist: bad range %q", tok)
		}
		last, err = strconv.Atoi(tok[dash+1:])
		if err != nil {
			return 0, 0, 0, errors.Wrapf(err, "hostlist: bad range %q", tok)
		}
		if last < first {
			return 0, 0, 0, errors.Errorf("hostlist: bad range %q", tok)
		}
		return first, last, len(tok[:dash]), nil
	}
	first, err = strconv.Atoi(tok)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "hostlist: bad index %q", tok)
	}
	return first, first, len(tok), nil
}

func splitNumSuffix(name string) (prefix string, num, width int, ok bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return "", 0, 0, false
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return "", 0, 0, false
	}
	return name[:i], n, len(name) - i, true
}

func pad(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
