package book

import (
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"

	"openoutcry/pkg/types"
)

// priceKeyAsc orders skiplist keys ascending by price.
type priceKeyAsc struct{}

func (priceKeyAsc) Compare(lhs, rhs interface{}) int {
	return lhs.(decimal.Decimal).Cmp(rhs.(decimal.Decimal))
}

func (priceKeyAsc) CalcScore(key interface{}) float64 {
	f, _ := key.(decimal.Decimal).Float64()
	return f
}

// priceKeyDesc orders skiplist keys descending by price.
type priceKeyDesc struct{}

func (priceKeyDesc) Compare(lhs, rhs interface{}) int {
	return rhs.(decimal.Decimal).Cmp(lhs.(decimal.Decimal))
}

func (priceKeyDesc) CalcScore(key interface{}) float64 {
	f, _ := key.(decimal.Decimal).Float64()
	return -f
}

// stopLevel groups stop orders sharing one trigger price, FIFO by
// submission sequence.
type stopLevel struct {
	price  decimal.Decimal
	orders []*types.Order
}

// stopBook holds untriggered STOP and STOP_LIMIT orders keyed by stop
// price. Buy stops trigger when the last trade price rises to or through
// the stop price, so they are kept ascending and drained from the front.
// Sell stops trigger on a fall and are kept descending.
type stopBook struct {
	buys  *skiplist.SkipList
	sells *skiplist.SkipList
	index map[uint64]*types.Order
}

func newStopBook() *stopBook {
	return &stopBook{
		buys:  skiplist.New(priceKeyAsc{}),
		sells: skiplist.New(priceKeyDesc{}),
		index: make(map[uint64]*types.Order),
	}
}

func (sb *stopBook) list(s types.Side) *skiplist.SkipList {
	if s == types.BUY {
		return sb.buys
	}
	return sb.sells
}

func (sb *stopBook) add(o *types.Order) {
	list := sb.list(o.Side)
	var lvl *stopLevel
	if el := list.Get(o.StopPrice); el != nil {
		lvl = el.Value.(*stopLevel)
	} else {
		lvl = &stopLevel{price: o.StopPrice}
		list.Set(o.StopPrice, lvl)
	}
	lvl.orders = append(lvl.orders, o)
	sb.index[o.ID] = o
}

// find returns the held stop order with the given ID, or nil.
func (sb *stopBook) find(orderID uint64) *types.Order {
	return sb.index[orderID]
}

// remove deletes a stop order by ID. Returns nil if unknown.
func (sb *stopBook) remove(orderID uint64) *types.Order {
	o, ok := sb.index[orderID]
	if !ok {
		return nil
	}
	delete(sb.index, orderID)
	list := sb.list(o.Side)
	el := list.Get(o.StopPrice)
	if el == nil {
		return o
	}
	lvl := el.Value.(*stopLevel)
	for i, cand := range lvl.orders {
		if cand.ID == orderID {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		list.Remove(o.StopPrice)
	}
	return o
}

// triggered drains every stop whose trigger condition is met by a trade at
// lastPrice: buy stops with stop price <= lastPrice, sell stops with stop
// price >= lastPrice. Drained orders keep their FIFO order within a price.
func (sb *stopBook) triggered(lastPrice decimal.Decimal) []*types.Order {
	var out []*types.Order

	for el := sb.buys.Front(); el != nil; el = sb.buys.Front() {
		lvl := el.Value.(*stopLevel)
		if lvl.price.GreaterThan(lastPrice) {
			break
		}
		for _, o := range lvl.orders {
			delete(sb.index, o.ID)
			out = append(out, o)
		}
		sb.buys.Remove(lvl.price)
	}

	for el := sb.sells.Front(); el != nil; el = sb.sells.Front() {
		lvl := el.Value.(*stopLevel)
		if lvl.price.LessThan(lastPrice) {
			break
		}
		for _, o := range lvl.orders {
			delete(sb.index, o.ID)
			out = append(out, o)
		}
		sb.sells.Remove(lvl.price)
	}

	return out
}

// all returns every held stop order.
func (sb *stopBook) all() []*types.Order {
	out := make([]*types.Order, 0, len(sb.index))
	for el := sb.buys.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*stopLevel).orders...)
	}
	for el := sb.sells.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*stopLevel).orders...)
	}
	return out
}

func (sb *stopBook) len() int { return len(sb.index) }
