package condition

import (
	"encoding/json"
	"reflect"
)

type node interface {
	eval(ctx map[string]any) any
}

type literal struct {
	value any
}

func (l literal) eval(map[string]any) any { return l.value }

type path struct {
	parts []string
}

func (p path) eval(ctx map[string]any) any {
	var cur any = ctx
	for _, part := range p.parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

type notNode struct {
	operand node
}

func (n notNode) eval(ctx map[string]any) any { return !truthy(n.operand.eval(ctx)) }

type andNode struct {
	left, right node
}

func (n andNode) eval(ctx map[string]any) any {
	return truthy(n.left.eval(ctx)) && truthy(n.right.eval(ctx))
}

type orNode struct {
	left, right node
}

func (n orNode) eval(ctx map[string]any) any {
	return truthy(n.left.eval(ctx)) || truthy(n.right.eval(ctx))
}

type compareNode struct {
	op          tokenKind
	left, right node
}

func (n compareNode) eval(ctx map[string]any) any {
	l := n.left.eval(ctx)
	r := n.right.eval(ctx)

	switch n.op {
	case tokEq:
		return equal(l, r)
	case tokNe:
		return !equal(l, r)
	}

	c, ok := order(l, r)
	if !ok {
		return false
	}
	switch n.op {
	case tokLt:
		return c < 0
	case tokLe:
		return c <= 0
	case tokGt:
		return c > 0
	case tokGe:
		return c >= 0
	}
	return false
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		return ok && lf == rf
	}
	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	}
	return reflect.DeepEqual(l, r)
}

// order compares numbers numerically and strings lexically. Any other pair is
// unordered.
func order(l, r any) (int, bool) {
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		if !ok {
			return 0, false
		}
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		}
		return 0, true
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if !lok || !rok {
		return 0, false
	}
	switch {
	case ls < rs:
		return -1, true
	case ls > rs:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}
