package book

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"openoutcry/pkg/types"
)

const btreeDegree = 32

// level is one price level of a book side: a FIFO queue of resting orders
// plus the running total of their remaining quantities.
type level struct {
	price  decimal.Decimal
	orders []*types.Order
	qty    int64
}

func newLevel(price decimal.Decimal) *level {
	return &level{price: price, orders: make([]*types.Order, 0, 4)}
}

func (l *level) add(o *types.Order) {
	l.orders = append(l.orders, o)
	l.qty += o.RemainingQuantity
}

// remove deletes the order with the given ID, preserving FIFO order of the
// rest. Returns nil if the order is not at this level.
func (l *level) remove(orderID uint64) *types.Order {
	for i, o := range l.orders {
		if o.ID == orderID {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			l.qty -= o.RemainingQuantity
			return o
		}
	}
	return nil
}

func (l *level) empty() bool { return len(l.orders) == 0 }

// levelItem wraps a level for the btree. Ordering is ascending by price;
// the side decides iteration direction.
type levelItem struct {
	price decimal.Decimal
	lvl   *level
}

func (a *levelItem) Less(b btree.Item) bool {
	return a.price.LessThan(b.(*levelItem).price)
}

// side is one side of the book. desc is true for bids so Best and Iterate
// run from the highest price; asks run from the lowest.
type side struct {
	tree *btree.BTree
	desc bool
}

func newSide(desc bool) *side {
	return &side{tree: btree.New(btreeDegree), desc: desc}
}

func (s *side) get(price decimal.Decimal) *level {
	item := s.tree.Get(&levelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*levelItem).lvl
}

func (s *side) getOrCreate(price decimal.Decimal) *level {
	if lvl := s.get(price); lvl != nil {
		return lvl
	}
	lvl := newLevel(price)
	s.tree.ReplaceOrInsert(&levelItem{price: price, lvl: lvl})
	return lvl
}

func (s *side) removeLevel(price decimal.Decimal) {
	s.tree.Delete(&levelItem{price: price})
}

// best returns the top level of the side: highest bid or lowest ask.
func (s *side) best() *level {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*levelItem).lvl
}

func (s *side) len() int { return s.tree.Len() }

// iterate walks levels best-first until fn returns false.
func (s *side) iterate(fn func(*level) bool) {
	if s.desc {
		s.tree.Descend(func(item btree.Item) bool {
			return fn(item.(*levelItem).lvl)
		})
		return
	}
	s.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(*levelItem).lvl)
	})
}
