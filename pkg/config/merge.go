package config

import (
	"dario.cat/mergo"
)

func ptrBool(b bool) *bool { return &b }

func boolVal(p *bool) bool { return p != nil && *p }

// mergeFile layers src over dst. mergo handles the strings, slices and
// nested structs, but skips zero-value sources, which would make an
// explicit `false` in a config file indistinguishable from an unset
// field. The pointer bools and the maps carry presence, so they are
// stripped from the mergo pass and overlaid explicitly: a non-nil source
// pointer always wins (copied, never aliased — resolved Files share
// structure with the defaults table) and every source map entry is
// copied, false values included.
func mergeFile(dst *File, src File) error {
	plain := src
	for _, p := range boolFields(&plain) {
		*p = nil
	}
	plain.TarFilter = FilterOptions{}
	plain.CleanFilter = FilterOptions{}
	plain.EmergeArgs = nil
	plain.EmergeBools = nil
	plain.Env = nil
	if err := mergo.Merge(dst, plain, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
		return err
	}

	dstBools, srcBools := boolFields(dst), boolFields(&src)
	for i, p := range srcBools {
		if *p != nil {
			*dstBools[i] = ptrBool(**p)
		}
	}
	dst.TarFilter.overlay(src.TarFilter)
	dst.CleanFilter.overlay(src.CleanFilter)

	dst.EmergeArgs = unionStringMap(dst.EmergeArgs, src.EmergeArgs)
	dst.Env = unionStringMap(dst.Env, src.Env)
	dst.EmergeBools = unionBoolMap(dst.EmergeBools, src.EmergeBools)
	return nil
}

func boolFields(f *File) []**bool {
	return []**bool{
		&f.InheritConfig,
		&f.InheritUse,
		&f.InheritFeatures,
		&f.Rebuild,
		&f.Depclean,
		&f.CleanBuild,
		&f.Refilter,
		&f.Compress,
		&f.EphemeralSeed,
		&f.CleanSeed,
		&f.NoSeedOverlay,
		&f.BindSystemRepos,
	}
}

// mergeDefaults layers one defaults file over another, per seed and per
// tag.
func mergeDefaults(dst *Defaults, src Defaults) error {
	if err := mergeFile(&dst.File, src.File); err != nil {
		return err
	}
	if dst.Seeds == nil && len(src.Seeds) > 0 {
		dst.Seeds = make(map[string]SeedDefaults, len(src.Seeds))
	}
	for name, sd := range src.Seeds {
		cur := dst.Seeds[name]
		if err := mergeFile(&cur.File, sd.File); err != nil {
			return err
		}
		if cur.Tags == nil && len(sd.Tags) > 0 {
			cur.Tags = make(map[string]File, len(sd.Tags))
		}
		for tag, tf := range sd.Tags {
			t := cur.Tags[tag]
			if err := mergeFile(&t, tf); err != nil {
				return err
			}
			cur.Tags[tag] = t
		}
		dst.Seeds[name] = cur
	}
	return nil
}

func unionStringMap(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]string, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func unionBoolMap(dst, src map[string]bool) map[string]bool {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]bool, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
