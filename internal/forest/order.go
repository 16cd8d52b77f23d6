package forest

import (
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"driveforest/internal/meta"
)

// nameOrder is a total order on names: locale collation with numeric
// segments compared by value, ties broken bytewise. A collator is not safe
// for concurrent use, so each owner keeps its own.
type nameOrder struct {
	c *collate.Collator
}

func newNameOrder(tag language.Tag) *nameOrder {
	return &nameOrder{c: collate.New(tag, collate.Numeric)}
}

func (o *nameOrder) compare(a, b string) int {
	if r := o.c.CompareString(a, b); r != 0 {
		return r
	}
	return strings.Compare(a, b)
}

func (o *nameOrder) sortXstats(xs []meta.Xstat) {
	slices.SortFunc(xs, func(a, b meta.Xstat) int { return o.compare(a.Name, b.Name) })
}

// insertChild places id into dir's children by name.
func (f *Forest) insertChild(dir *node, id uuid.UUID, name string) {
	i, _ := slices.BinarySearchFunc(dir.children, name, func(cid uuid.UUID, target string) int {
		return f.order.compare(f.nodes[cid].name, target)
	})
	dir.children = slices.Insert(dir.children, i, id)
}

func removeChild(dir *node, id uuid.UUID) bool {
	i := slices.Index(dir.children, id)
	if i < 0 {
		return false
	}
	dir.children = slices.Delete(dir.children, i, i+1)
	return true
}
