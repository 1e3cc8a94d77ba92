// Package modelzoo resolves published lung segmentation models by family
// and variant, downloads their weights into a local cache and hands them
// to a backend that turns them into an inference.Model.
package modelzoo

import (
	"fmt"
	"sort"
)

// Model families. Both share the same five-level U-Net layout; resunet adds
// residual connections.
const (
	FamilyUNet    = "unet"
	FamilyResUNet = "resunet"
)

// DefaultClasses is used for local weights of an unregistered variant.
const DefaultClasses = 3

// Variant describes a published set of weights.
type Variant struct {
	Family  string
	Name    string
	URL     string
	Classes int
}

type variantKey struct {
	family, name string
}

var registry = map[variantKey]Variant{
	{FamilyUNet, "R231"}: {
		Family:  FamilyUNet,
		Name:    "R231",
		URL:     "https://github.com/JoHof/lungmask/releases/download/v0.0/unet_r231-d5d2fc3d.pth",
		Classes: 3,
	},
	{FamilyUNet, "LTRCLobes"}: {
		Family:  FamilyUNet,
		Name:    "LTRCLobes",
		URL:     "https://github.com/JoHof/lungmask/releases/download/v0.0/unet_ltrclobes-3a07043d.pth",
		Classes: 6,
	},
	{FamilyUNet, "R231CovidWeb"}: {
		Family:  FamilyUNet,
		Name:    "R231CovidWeb",
		URL:     "https://github.com/JoHof/lungmask/releases/download/v0.0/unet_r231covid-0de78a7e.pth",
		Classes: 3,
	},
}

// Lookup returns the registered variant of a family.
func Lookup(family, name string) (Variant, error) {
	if family != FamilyUNet && family != FamilyResUNet {
		return Variant{}, fmt.Errorf("unknown model family %q", family)
	}
	v, ok := registry[variantKey{family, name}]
	if !ok {
		return Variant{}, fmt.Errorf("no published weights for %s/%s", family, name)
	}
	return v, nil
}

// Variants lists every registered variant ordered by family and name.
func Variants() []Variant {
	out := make([]Variant, 0, len(registry))
	for _, v := range registry {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].Name < out[j].Name
	})
	return out
}
