package dicom

import (
	"sort"
	"strings"
)

// Element is a single DICOM data element. Value holds a string for text VRs
// and a []byte for binary payloads so bulk data survives a decode/encode
// round trip untouched.
type Element struct {
	Tag   Tag
	VR    string
	Value any
}

// StringValue returns the element value as a trimmed string. Binary values
// return the empty string.
func (e *Element) StringValue() string {
	s, ok := e.Value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

// Dataset is a collection of DICOM elements keyed by tag. Iteration order is
// always ascending tag order, as the encoding rules require.
type Dataset struct {
	elements map[Tag]*Element
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{elements: make(map[Tag]*Element)}
}

// Set stores a string value under the tag, deriving the VR from the
// dictionary.
func (d *Dataset) Set(tag Tag, value string) {
	d.elements[tag] = &Element{Tag: tag, VR: VRForTag(tag), Value: value}
}

// SetWithVR stores a string value with an explicit VR.
func (d *Dataset) SetWithVR(tag Tag, vr, value string) {
	d.elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// SetBytes stores a binary value under the tag.
func (d *Dataset) SetBytes(tag Tag, vr string, value []byte) {
	d.elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// Get returns the string value for the tag and whether it is present.
func (d *Dataset) Get(tag Tag) (string, bool) {
	el, ok := d.elements[tag]
	if !ok {
		return "", false
	}
	return el.StringValue(), true
}

// GetString returns the string value for the tag, or "" when absent.
func (d *Dataset) GetString(tag Tag) string {
	v, _ := d.Get(tag)
	return v
}

// GetStrings splits a multi-valued attribute on the DICOM value separator.
func (d *Dataset) GetStrings(tag Tag) []string {
	v, ok := d.Get(tag)
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, `\`)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// Element returns the raw element for the tag.
func (d *Dataset) Element(tag Tag) (*Element, bool) {
	el, ok := d.elements[tag]
	return el, ok
}

// Has reports whether the tag is present with a non-empty value.
func (d *Dataset) Has(tag Tag) bool {
	el, ok := d.elements[tag]
	if !ok {
		return false
	}
	if s, isString := el.Value.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Delete removes the tag from the dataset.
func (d *Dataset) Delete(tag Tag) { delete(d.elements, tag) }

// Len returns the number of elements.
func (d *Dataset) Len() int { return len(d.elements) }

// SortedTags returns all tags in ascending order.
func (d *Dataset) SortedTags() []Tag {
	tags := make([]Tag, 0, len(d.elements))
	for tag := range d.elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Compare(tags[j]) < 0 })
	return tags
}

// Walk visits every element in ascending tag order. The visitor may mutate
// the element value in place.
func (d *Dataset) Walk(visit func(el *Element)) {
	for _, tag := range d.SortedTags() {
		visit(d.elements[tag])
	}
}

// DeleteFunc removes every element for which the predicate returns true.
func (d *Dataset) DeleteFunc(pred func(el *Element) bool) {
	for tag, el := range d.elements {
		if pred(el) {
			delete(d.elements, tag)
		}
	}
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	out := NewDataset()
	for tag, el := range d.elements {
		cp := *el
		if b, ok := el.Value.([]byte); ok {
			cp.Value = append([]byte(nil), b...)
		}
		out.elements[tag] = &cp
	}
	return out
}
