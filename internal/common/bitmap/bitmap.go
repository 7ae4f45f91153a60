package bitmap

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const wordBits = 64

// Bitmap is a fixed-width bit set. The width is set at creation and all
// binary operations require both operands to have the same width.
type Bitmap struct {
	words []uint64
	size  int
}

func New(size int) *Bitmap {
	if size < 0 {
		size = 0
	}
	return &Bitmap{
		words: make([]uint64, (size+wordBits-1)/wordBits),
		size:  size,
	}
}

func (b *Bitmap) Size() int {
	return b.size
}

func (b *Bitmap) Set(i int) {
	b.check(i)
	b.words[i/wordBits] |= 1 << uint(i%wordBits)
}

func (b *Bitmap) Clear(i int) {
	b.check(i)
	b.words[i/wordBits] &^= 1 << uint(i%wordBits)
}

func (b *Bitmap) Test(i int) bool {
	if i < 0 || i >= b.size {
		return false
	}
	return b.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

func (b *Bitmap) check(i int) {
	if i < 0 || i >= b.size {
		panic(fmt.Sprintf("bitmap: index %d out of range [0,%d)", i, b.size))
	}
}

// SetCount returns the number of set bits.
func (b *Bitmap) SetCount() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// ClearCount returns the number of clear bits.
func (b *Bitmap) ClearCount() int {
	return b.size - b.SetCount()
}

// FirstSet returns the index of the lowest set bit, or -1 if none.
func (b *Bitmap) FirstSet() int {
	for i, w := range b.words {
		if w != 0 {
			return i*wordBits + bits.TrailingZeros64(w)
		}
	}
	return -1
}

// LastSet returns the index of the highest set bit, or -1 if none.
func (b *Bitmap) LastSet() int {
	for i := len(b.words) - 1; i >= 0; i-- {
		if b.words[i] != 0 {
			return i*wordBits + wordBits - 1 - bits.LeadingZeros64(b.words[i])
		}
	}
	return -1
}

// SetRange sets bits first through last inclusive.
func (b *Bitmap) SetRange(first, last int) {
	for i := first; i <= last; i++ {
		b.Set(i)
	}
}

// PickCount returns a new bitmap holding the lowest n set bits of b,
// or nil if b has fewer than n bits set.
func (b *Bitmap) PickCount(n int) *Bitmap {
	picked := New(b.size)
	found := 0
	for i := 0; i < b.size && found < n; i++ {
		if b.Test(i) {
			picked.Set(i)
			found++
		}
	}
	if found < n {
		return nil
	}
	return picked
}

func (b *Bitmap) And(other *Bitmap) {
	b.checkWidth(other)
	for i := range b.words {
		b.words[i] &= other.words[i]
	}
}

func (b *Bitmap) Or(other *Bitmap) {
	b.checkWidth(other)
	for i := range b.words {
		b.words[i] |= other.words[i]
	}
}

// AndNot clears in b every bit set in other.
func (b *Bitmap) AndNot(other *Bitmap) {
	b.checkWidth(other)
	for i := range b.words {
		b.words[i] &^= other.words[i]
	}
}

func (b *Bitmap) Not() {
	for i := range b.words {
		b.words[i] = ^b.words[i]
	}
	b.trim()
}

// trim clears bits beyond size after a widening operation.
func (b *Bitmap) trim() {
	if b.size%wordBits == 0 || len(b.words) == 0 {
		return
	}
	b.words[len(b.words)-1] &= (1 << uint(b.size%wordBits)) - 1
}

// IsSubsetOf reports whether every set bit of b is also set in super.
func (b *Bitmap) IsSubsetOf(super *Bitmap) bool {
	b.checkWidth(super)
	for i := range b.words {
		if b.words[i]&^super.words[i] != 0 {
			return false
		}
	}
	return true
}

func (b *Bitmap) Equal(other *Bitmap) bool {
	if b.size != other.size {
		return false
	}
	for i := range b.words {
		if b.words[i] != other.words[i] {
			return false
		}
	}
	return true
}

func (b *Bitmap) Copy() *Bitmap {
	c := New(b.size)
	copy(c.words, b.words)
	return c
}

func (b *Bitmap) checkWidth(other *Bitmap) {
	if b.size != other.size {
		panic(fmt.Sprintf("bitmap: width mismatch %d != %d", b.size, other.size))
	}
}

// Fmt renders the set bits as comma-separated ranges, e.g. "0-3,7,9-12".
// An empty bitmap renders as "".
func (b *Bitmap) Fmt() string {
	var sb strings.Builder
	first := -1
	flush := func(last int) {
		if first < 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if first == last {
			sb.WriteString(strconv.Itoa(first))
		} else {
			sb.WriteString(strconv.Itoa(first))
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(last))
		}
	}
	for i := 0; i < b.size; i++ {
		if b.Test(i) {
			if first < 0 {
				first = i
			}
			continue
		}
		flush(i - 1)
		first = -1
	}
	flush(b.size - 1)
	return sb.String()
}

// Unfmt sets the bits described by a string produced by Fmt. Bits already
// set are left set. Out-of-range indices are an error.
func (b *Bitmap) Unfmt(s string) error {
	if s == "" {
		return nil
	}
	for _, tok := range strings.Split(s, ",") {
		first, last, err := parseRange(tok)
		if err != nil {
			return err
		}
		if first < 0 || last >= b.size {
			return errors.Errorf("bitmap: range %q exceeds size %d", tok, b.size)
		}
		b.SetRange(first, last)
	}
	return nil
}

func parseRange(tok string) (int, int, error) {
	if dash := strings.IndexByte(tok, '-'); dash > 0 {
		first, err := strconv.Atoi(tok[:dash])
		if err != nil {
			return 0, 0, errors.Wrapf(err, "bitmap: bad range %q", tok)
		}
		last, err := strconv.Atoi(tok[dash+1:])
		if err != nil {
			return 0, 0, errors.Wrapf(err, "bitmap: bad range %q", tok)
		}
		if last < first {
			return 0, 0, errors.Errorf("bitmap: bad range %q", tok)
		}
		return first, last, nil
	}
	i, err := strconv.Atoi(tok)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bitmap: bad index %q", tok)
	}
	return i, i, nil
}
