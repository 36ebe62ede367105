// Package diag implements an async-signal-safe, allocation-free
// diagnostic writer to stderr, grounded on
// original_source/src/msafe-eprintf.c. The allocator must never call a
// routine that itself allocates while reporting a diagnostic (spec.md
// §6's diagnostic-printer collaborator), which rules out fmt's
// formatter: its reflection-driven verb dispatch allocates.
package diag

import "golang.org/x/sys/unix"

const maxMsg = 256

// Printf writes fmt with %d/%x/%s/%p verbs substituted from args,
// directly through a write(2) syscall, never touching the heap beyond
// the fixed-size stack buffer below.
func Printf(format string, args ...interface{}) {
	var buf [maxMsg]byte
	n := render(buf[:], format, args)
	writeAll(2, buf[:n])
}

// Fatal writes the message like Printf and then aborts the process,
// mirroring io_msafe_assert_fail's abort() on invariant violation.
func Fatal(format string, args ...interface{}) {
	Printf(format, args...)
	panic(unix.ENOTRECOVERABLE)
}

func render(buf []byte, format string, args []interface{}) int {
	n := 0
	argi := 0
	for i := 0; i < len(format) && n < len(buf); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			buf[n] = c
			n++
			continue
		}
		i++
		verb := format[i]
		var a interface{}
		if argi < len(args) {
			a = args[argi]
			argi++
		}
		switch verb {
		case 'd':
			n += writeInt(buf[n:], toInt64(a), 10)
		case 'x':
			n += writeUint(buf[n:], toUint64(a), 16)
		case 's':
			s, _ := a.(string)
			n += copy(buf[n:], s)
		case 'p':
			n += copy(buf[n:], "0x")
			n += writeUint(buf[n:], toUint64(a), 16)
		case '%':
			buf[n] = '%'
			n++
		default:
			buf[n] = '%'
			n++
			if n < len(buf) {
				buf[n] = verb
				n++
			}
		}
	}
	return n
}

func toInt64(a interface{}) int64 {
	switch v := a.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint32:
		return int64(v)
	case uintptr:
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return 0
	}
}

func toUint64(a interface{}) uint64 {
	switch v := a.(type) {
	case int:
		return uint64(v)
	case int32:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint64:
		return v
	case uintptr:
		return uint64(v)
	default:
		return 0
	}
}

// writeDigits writes the base-b digits of v (K&R itoa style) and
// reverses them into place, matching write_digits/io_msafe_reverse in
// the source.
func writeDigits(v uint64, b uint64, buf []byte) int {
	var tmp [64]byte
	i := 0
	for {
		d := v % b
		if d < 10 {
			tmp[i] = byte('0' + d)
		} else {
			tmp[i] = byte('a' + d - 10)
		}
		i++
		v /= b
		if v == 0 {
			break
		}
	}
	for j := 0; j < i && j < len(buf); j++ {
		buf[j] = tmp[i-1-j]
	}
	if i > len(buf) {
		return len(buf)
	}
	return i
}

func writeUint(buf []byte, v, base uint64) int {
	return writeDigits(v, base, buf)
}

func writeInt(buf []byte, v int64, base uint64) int {
	if v < 0 && len(buf) > 0 {
		buf[0] = '-'
		return 1 + writeDigits(uint64(-v), base, buf[1:])
	}
	return writeDigits(uint64(v), base, buf)
}

func writeAll(fd int, b []byte) {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil || n <= 0 {
			return
		}
		b = b[n:]
	}
}
