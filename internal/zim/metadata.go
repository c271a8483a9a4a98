package zim

import (
	"fmt"
	"strings"
)

// MetadataNamespace holds archive-level key/value entries such as Title.
const MetadataNamespace = 'M'

// Metadata returns the value of the metadata entry name. Missing keys report ok=false.
func (a *Archive) Metadata(name string) (string, bool, error) {
	e, ok, err := a.EntryByPath(string(MetadataNamespace) + "/" + name)
	if err != nil || !ok {
		return "", false, err
	}
	if e.Kind != KindContent {
		return "", false, nil
	}
	data, err := a.Blob(e.Cluster, e.Blob)
	if err != nil {
		return "", false, fmt.Errorf("zim: metadata %s: %w", name, err)
	}
	return string(data), true, nil
}

// MetadataKeys lists the names of all metadata entries in URL order.
func (a *Archive) MetadataKeys() ([]string, error) {
	i, err := a.lowerBound(MetadataNamespace, "")
	if err != nil {
		return nil, err
	}
	var keys []string
	for ; i < a.hdr.EntryCount; i++ {
		e, err := a.EntryAt(i)
		if err != nil {
			return nil, err
		}
		if e.Namespace != MetadataNamespace {
			break
		}
		if e.Kind == KindContent {
			keys = append(keys, e.URL)
		}
	}
	return keys, nil
}

// Description is a short human summary of well-known metadata.
func (a *Archive) Description() (string, error) {
	var parts []string
	for _, key := range []string{"Title", "Language", "Date"} {
		v, ok, err := a.Metadata(key)
		if err != nil {
			return "", err
		}
		if ok && v != "" {
			parts = append(parts, key+"="+v)
		}
	}
	return strings.Join(parts, " "), nil
}
