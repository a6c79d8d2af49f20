package ledger

import (
	"strconv"
)

// Meta is the typed metadata attached to a ledger entry. Each variant maps to
// a pricing family or a grant source; stores only see the flat map produced
// by EncodeMeta.
type Meta interface {
	Family() string
	encode(m map[string]string)
}

const metaTypeKey = "_type"

// PriceRef identifies the resolved price behind a debit.
type PriceRef struct {
	Provider       string
	Model          string
	SKU            string
	PricingVersion string
}

func (p PriceRef) encode(m map[string]string) {
	putNonEmpty(m, "provider", p.Provider)
	putNonEmpty(m, "model", p.Model)
	putNonEmpty(m, "sku", p.SKU)
	putNonEmpty(m, "pricing_version", p.PricingVersion)
}

func decodePriceRef(m map[string]string) PriceRef {
	return PriceRef{
		Provider:       m["provider"],
		Model:          m["model"],
		SKU:            m["sku"],
		PricingVersion: m["pricing_version"],
	}
}

// VeoMeta describes a per-second video charge with optional audio.
type VeoMeta struct {
	PriceRef
	DurationSeconds int
	Resolution      string
	Audio           bool
}

func (VeoMeta) Family() string { return "veo" }

func (v VeoMeta) encode(m map[string]string) {
	v.PriceRef.encode(m)
	m["duration"] = strconv.Itoa(v.DurationSeconds)
	putNonEmpty(m, "resolution", v.Resolution)
	m["audio"] = strconv.FormatBool(v.Audio)
}

// KlingMeta describes a fixed-duration video SKU.
type KlingMeta struct {
	PriceRef
	ModelFamily     string
	Kind            string
	DurationSeconds int
	Resolution      string
	Mode            string
}

func (KlingMeta) Family() string { return "kling" }

func (k KlingMeta) encode(m map[string]string) {
	k.PriceRef.encode(m)
	putNonEmpty(m, "family", k.ModelFamily)
	putNonEmpty(m, "kind", k.Kind)
	m["duration"] = strconv.Itoa(k.DurationSeconds)
	putNonEmpty(m, "resolution", k.Resolution)
	putNonEmpty(m, "mode", k.Mode)
}

// ImageMeta describes a per-image charge.
type ImageMeta struct {
	PriceRef
	Images     int
	Resolution string
}

func (ImageMeta) Family() string { return "image" }

func (i ImageMeta) encode(m map[string]string) {
	i.PriceRef.encode(m)
	m["images"] = strconv.Itoa(i.Images)
	putNonEmpty(m, "resolution", i.Resolution)
}

// PlanMeta describes a plan-switch grant.
type PlanMeta struct {
	PlanCode  string
	Source    string
	Reference string
}

func (PlanMeta) Family() string { return "plan" }

func (p PlanMeta) encode(m map[string]string) {
	putNonEmpty(m, "plan_code", p.PlanCode)
	putNonEmpty(m, "source", p.Source)
	putNonEmpty(m, "reference", p.Reference)
}

// TopUpMeta describes an incremental grant.
type TopUpMeta struct {
	Source    string
	Reference string
}

func (TopUpMeta) Family() string { return "topup" }

func (t TopUpMeta) encode(m map[string]string) {
	putNonEmpty(m, "source", t.Source)
	putNonEmpty(m, "reference", t.Reference)
}

// GenericMeta carries metadata that does not belong to a known family,
// including maps written by older schema versions.
type GenericMeta map[string]string

func (GenericMeta) Family() string { return "generic" }

func (g GenericMeta) encode(m map[string]string) {
	for k, v := range g {
		if k == metaTypeKey {
			continue
		}
		m[k] = v
	}
}

// EncodeMeta flattens meta into the storage representation.
func EncodeMeta(meta Meta) map[string]string {
	if meta == nil {
		return map[string]string{}
	}
	m := make(map[string]string, 8)
	meta.encode(m)
	m[metaTypeKey] = meta.Family()
	return m
}

// DecodeMeta is the inverse of EncodeMeta. Unknown or missing families decode
// to GenericMeta so no stored key is lost.
func DecodeMeta(m map[string]string) Meta {
	if len(m) == 0 {
		return nil
	}
	switch m[metaTypeKey] {
	case "veo":
		return VeoMeta{
			PriceRef:        decodePriceRef(m),
			DurationSeconds: atoi(m["duration"]),
			Resolution:      m["resolution"],
			Audio:           m["audio"] == "true",
		}
	case "kling":
		return KlingMeta{
			PriceRef:        decodePriceRef(m),
			ModelFamily:     m["family"],
			Kind:            m["kind"],
			DurationSeconds: atoi(m["duration"]),
			Resolution:      m["resolution"],
			Mode:            m["mode"],
		}
	case "image":
		return ImageMeta{
			PriceRef:   decodePriceRef(m),
			Images:     atoi(m["images"]),
			Resolution: m["resolution"],
		}
	case "plan":
		return PlanMeta{PlanCode: m["plan_code"], Source: m["source"], Reference: m["reference"]}
	case "topup":
		return TopUpMeta{Source: m["source"], Reference: m["reference"]}
	}
	g := make(GenericMeta, len(m))
	for k, v := range m {
		if k != metaTypeKey {
			g[k] = v
		}
	}
	return g
}

func putNonEmpty(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
