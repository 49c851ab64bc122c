package thread

import (
	"fmt"
	"strconv"
	"strings"
)

// FrameObject is one stack object named by a frame descriptor.
type FrameObject struct {
	// Offset is the object's byte offset from the frame start.
	Offset uintptr
	// Size is the object's byte size.
	Size uintptr
	// Name is the source-level object name.
	Name string
}

// FrameDescriptor is the parsed form of the compiler-emitted frame
// string.
type FrameDescriptor struct {
	Function string
	Objects  []FrameObject
}

// ParseFrameDescriptor parses the compiler ABI string
//
//	"FuncName n off1 sz1 len1 Obj1 off2 sz2 len2 Obj2 ..."
//
// where n is the object count and len_i is the byte length of Obj_i.
// The object name length is explicit so names may contain spaces.
func ParseFrameDescriptor(descr string) (*FrameDescriptor, error) {
	nameEnd := strings.IndexByte(descr, ' ')
	if nameEnd <= 0 {
		return nil, fmt.Errorf("frame descriptor %q: missing function name", descr)
	}
	fd := &FrameDescriptor{Function: descr[:nameEnd]}
	rest := descr[nameEnd+1:]

	n, rest, err := parseNum(rest)
	if err != nil {
		return nil, fmt.Errorf("frame descriptor %q: object count: %w", descr, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("frame descriptor %q: zero objects", descr)
	}
	for i := uintptr(0); i < n; i++ {
		var off, size, nameLen uintptr
		if off, rest, err = parseNum(rest); err != nil {
			return nil, fmt.Errorf("frame descriptor %q: object %d offset: %w", descr, i, err)
		}
		if size, rest, err = parseNum(rest); err != nil {
			return nil, fmt.Errorf("frame descriptor %q: object %d size: %w", descr, i, err)
		}
		if nameLen, rest, err = parseNum(rest); err != nil {
			return nil, fmt.Errorf("frame descriptor %q: object %d name length: %w", descr, i, err)
		}
		if uintptr(len(rest)) < nameLen {
			return nil, fmt.Errorf("frame descriptor %q: object %d name truncated", descr, i)
		}
		name := rest[:nameLen]
		rest = strings.TrimPrefix(rest[nameLen:], " ")
		fd.Objects = append(fd.Objects, FrameObject{Offset: off, Size: size, Name: name})
	}
	return fd, nil
}

// parseNum consumes one base-10 number and the single space after it.
func parseNum(s string) (uintptr, string, error) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, s, fmt.Errorf("expected number at %q", s)
	}
	v, err := strconv.ParseUint(s[:end], 10, 64)
	if err != nil {
		return 0, s, err
	}
	rest := s[end:]
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	return uintptr(v), rest, nil
}
