package config

import (
	"sort"
	"strings"
)

// Flags is a set of portage flag tokens (USE, FEATURES) with the usual
// +/- merge semantics: "+flag" asserts a flag and cancels "-flag",
// "-flag" negates and cancels the plain form.
type Flags struct {
	set map[string]struct{}
}

// ParseFlags splits s on whitespace and adds each token.
func ParseFlags(s string) *Flags {
	f := &Flags{set: make(map[string]struct{})}
	for _, tok := range strings.Fields(s) {
		f.Add(tok)
	}
	return f
}

func (f *Flags) Add(item string) {
	if strings.HasPrefix(item, "+") {
		item = strings.TrimPrefix(item, "+")
		delete(f.set, "-"+item)
	} else if strings.HasPrefix(item, "-") {
		delete(f.set, strings.TrimPrefix(item, "-"))
	}
	f.set[item] = struct{}{}
}

// Merge adds every flag from other, applying +/- cancellation.
func (f *Flags) Merge(other *Flags) {
	if other == nil {
		return
	}
	for _, item := range other.Sorted() {
		f.Add(item)
	}
}

func (f *Flags) Empty() bool { return len(f.set) == 0 }

func (f *Flags) Sorted() []string {
	out := make([]string, 0, len(f.set))
	for item := range f.set {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func (f *Flags) String() string { return strings.Join(f.Sorted(), " ") }

// Emerge bools that only support the plain "--flag" form.
var plainEmergeBools = map[string]bool{
	"nodeps":  true,
	"oneshot": true,
}

// emergeBoolArgs renders boolean emerge flags: plain bools become
// "--flag" when set, everything else "--flag=y|n".
func emergeBoolArgs(bools map[string]bool) []string {
	keys := make([]string, 0, len(bools))
	for k := range bools {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string
	for _, k := range keys {
		flag := strings.ReplaceAll(k, "_", "-")
		if plainEmergeBools[k] {
			if bools[k] {
				args = append(args, "--"+flag)
			}
			continue
		}
		val := "n"
		if bools[k] {
			val = "y"
		}
		args = append(args, "--"+flag+"="+val)
	}
	return args
}
