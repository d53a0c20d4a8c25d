// Package kprintf implements the kernel's printf engine: a small format
// parser supporting the c/d/i/o/s/u/x/X/p/% conversions, the
// -+0#-and-space flags, width/precision (including the "*" dynamic
// forms), and the hh/h/l/ll/j/z/t length modifiers, writing through one
// of three sinks (a bounded ring buffer, a colorized TTY, or a
// user-facing buffer staged page at a time). Mirrors kern/printf.c's
// parse_arg/print_*/outstr structure.
package kprintf

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// flag bits, matching FLAG_MINUS/FLAG_SPACE/FLAG_ZERO/FLAG_PLUS/FLAG_SHARP.
type flag uint32

const (
	flagMinus flag = 1 << iota
	flagSpace
	flagZero
	flagPlus
	flagSharp
)

// arg mirrors struct arg: one conversion's parsed flags/width/precision
// plus the verb it will dispatch to.
type arg struct {
	flags flag
	width int
	preci int
	verb  byte
}

// Fprintf parses format against args and writes the result to w,
// returning the number of bytes written. Unknown verbs are emitted
// literally (with a leading '%'), matching the original's tolerant
// handling of a malformed format string rather than panicking.
func Fprintf(w io.Writer, format string, args ...any) (int, error) {
	var sb strings.Builder
	argi := 0
	nextArg := func() any {
		if argi >= len(args) {
			return nil
		}
		a := args[argi]
		argi++
		return a
	}

	i := 0
	for i < len(format) {
		c := format[i]
		if c != '%' {
			sb.WriteByte(c)
			i++
			continue
		}
		i++
		if i >= len(format) {
			sb.WriteByte('%')
			break
		}
		if format[i] == '%' {
			sb.WriteByte('%')
			i++
			continue
		}

		a := arg{width: -1, preci: -1}
		start := i

		// flags
	flagLoop:
		for i < len(format) {
			switch format[i] {
			case '-':
				a.flags |= flagMinus
			case ' ':
				a.flags |= flagSpace
			case '0':
				a.flags |= flagZero
			case '+':
				a.flags |= flagPlus
			case '#':
				a.flags |= flagSharp
			default:
				break flagLoop
			}
			i++
		}

		// width
		if i < len(format) && format[i] == '*' {
			if w, ok := nextArg().(int); ok {
				a.width = w
			}
			i++
		} else {
			j := i
			for j < len(format) && format[j] >= '0' && format[j] <= '9' {
				j++
			}
			if j > i {
				a.width, _ = strconv.Atoi(format[i:j])
				i = j
			}
		}

		// precision
		if i < len(format) && format[i] == '.' {
			i++
			if i < len(format) && format[i] == '*' {
				if p, ok := nextArg().(int); ok {
					a.preci = p
				}
				i++
			} else {
				j := i
				for j < len(format) && format[j] >= '0' && format[j] <= '9' {
					j++
				}
				a.preci, _ = strconv.Atoi(format[i:j])
				i = j
			}
		}

		// length modifiers: consumed, not semantically needed since Go
		// args already carry their own width.
		for i < len(format) {
			switch format[i] {
			case 'h', 'l', 'j', 'z', 't':
				i++
				continue
			}
			break
		}

		if i >= len(format) {
			sb.WriteString(format[start-1:])
			break
		}
		a.verb = format[i]
		i++

		writeVerb(&sb, &a, nextArg)
	}

	return io.WriteString(w, sb.String())
}

func pad(sb *strings.Builder, s string, a *arg) {
	if a.width <= len(s) {
		sb.WriteString(s)
		return
	}
	padding := a.width - len(s)
	if a.flags&flagMinus != 0 {
		sb.WriteString(s)
		sb.WriteString(strings.Repeat(" ", padding))
		return
	}
	padChar := " "
	if a.flags&flagZero != 0 && a.preci < 0 {
		padChar = "0"
	}
	sb.WriteString(strings.Repeat(padChar, padding))
	sb.WriteString(s)
}

func signPrefix(a *arg, neg bool) string {
	switch {
	case neg:
		return "-"
	case a.flags&flagPlus != 0:
		return "+"
	case a.flags&flagSpace != 0:
		return " "
	}
	return ""
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int:
		return uint64(n), true
	case int8:
		return uint64(n), true
	case int16:
		return uint64(n), true
	case int32:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	}
	return 0, false
}

func writeVerb(sb *strings.Builder, a *arg, next func() any) {
	switch a.verb {
	case 'c':
		v := next()
		var r rune
		if ri, ok := toInt64(v); ok {
			r = rune(ri)
		}
		pad(sb, string(r), a)
	case 's':
		s, _ := next().(string)
		if a.preci >= 0 && a.preci < len(s) {
			s = s[:a.preci]
		}
		pad(sb, s, a)
	case 'd', 'i':
		n, _ := toInt64(next())
		neg := n < 0
		digits := strconv.FormatInt(n, 10)
		if neg {
			digits = digits[1:]
		}
		pad(sb, signPrefix(a, neg)+digits, a)
	case 'u':
		n, _ := toUint64(next())
		pad(sb, strconv.FormatUint(n, 10), a)
	case 'o':
		n, _ := toUint64(next())
		s := strconv.FormatUint(n, 8)
		if a.flags&flagSharp != 0 && s != "0" {
			s = "0" + s
		}
		pad(sb, s, a)
	case 'x':
		n, _ := toUint64(next())
		s := strconv.FormatUint(n, 16)
		if a.flags&flagSharp != 0 && n != 0 {
			s = "0x" + s
		}
		pad(sb, s, a)
	case 'X':
		n, _ := toUint64(next())
		s := strings.ToUpper(strconv.FormatUint(n, 16))
		if a.flags&flagSharp != 0 && n != 0 {
			s = "0X" + s
		}
		pad(sb, s, a)
	case 'p':
		v := next()
		n, ok := toUint64(v)
		if !ok || n == 0 {
			pad(sb, "(nil)", a)
			return
		}
		pad(sb, fmt.Sprintf("0x%x", n), a)
	default:
		sb.WriteByte('%')
		sb.WriteByte(a.verb)
	}
}
