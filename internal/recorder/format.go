package recorder

import (
	"strconv"
	"strings"
)

// FormatUserEvent renders a user-event format string against its raw
// argument words, producing the display string carried by the USER_EVENT
// output shape.
//
// The recorder supports a printf subset for numeric arguments: %d/%i, %u,
// %x/%X, %o and %%. Width/flag characters between '%' and the verb are
// ignored. Verbs without a remaining argument render as "?".
func FormatUserEvent(format string, args []uint32) string {
	var b strings.Builder
	b.Grow(len(format) + 8*len(args))

	next := 0
	arg := func() (uint32, bool) {
		if next >= len(args) {
			return 0, false
		}
		v := args[next]
		next++
		return v, true
	}

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		// Skip flags and width digits up to the verb.
		j := i + 1
		for j < len(format) && (format[j] == '-' || format[j] == '+' ||
			format[j] == '0' || format[j] == ' ' ||
			(format[j] >= '1' && format[j] <= '9')) {
			j++
		}
		if j >= len(format) {
			b.WriteByte('%')
			break
		}

		verb := format[j]
		i = j
		switch verb {
		case '%':
			b.WriteByte('%')
		case 'd', 'i':
			if v, ok := arg(); ok {
				b.WriteString(strconv.FormatInt(int64(int32(v)), 10))
			} else {
				b.WriteByte('?')
			}
		case 'u':
			if v, ok := arg(); ok {
				b.WriteString(strconv.FormatUint(uint64(v), 10))
			} else {
				b.WriteByte('?')
			}
		case 'x':
			if v, ok := arg(); ok {
				b.WriteString(strconv.FormatUint(uint64(v), 16))
			} else {
				b.WriteByte('?')
			}
		case 'X':
			if v, ok := arg(); ok {
				b.WriteString(strings.ToUpper(strconv.FormatUint(uint64(v), 16)))
			} else {
				b.WriteByte('?')
			}
		case 'o':
			if v, ok := arg(); ok {
				b.WriteString(strconv.FormatUint(uint64(v), 8))
			} else {
				b.WriteByte('?')
			}
		default:
			// Unrecognized verb, keep it verbatim.
			b.WriteByte('%')
			b.WriteByte(verb)
		}
	}

	return b.String()
}
