package corolog

import (
	"strconv"
	"strings"
)

// A BitflagChoice names the values of a multi-bit field.
type BitflagChoice struct {
	Mask   int
	Values map[int]string
}

type BitflagValue struct {
	Value int
	Name  string
}

// A BitflagFormatter renders an int as "|"-separated names: first one
// entry per choice, then every set flag, then any leftover bits in decimal.
type BitflagFormatter struct {
	Choices []BitflagChoice
	Flags   []BitflagValue
}

func (f *BitflagFormatter) Format(value int) string {
	var parts []string
	for _, choice := range f.Choices {
		masked := value & choice.Mask
		value &^= masked
		if name, ok := choice.Values[masked]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, strconv.Itoa(masked))
		}
	}
	for _, flag := range f.Flags {
		if value&flag.Value == flag.Value {
			value &^= flag.Value
			parts = append(parts, flag.Name)
		}
	}
	if value != 0 {
		parts = append(parts, strconv.Itoa(value))
	}
	return strings.Join(parts, "|")
}
