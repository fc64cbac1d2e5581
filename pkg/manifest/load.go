package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"
)

// Load decodes a stream of YAML or JSON documents.
// Empty documents are skipped and "List" objects are flattened into their items.
func Load(r io.Reader) ([]*Manifest, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(r))

	var manifests []*Manifest
	for {
		doc, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}

		data, err := yaml.YAMLToJSON(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, []byte("null")) {
			continue
		}

		// utiljson keeps integral numbers as int64, which unstructured helpers expect.
		var obj map[string]interface{}
		if err := utiljson.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode manifest: %w", err)
		}
		if len(obj) == 0 {
			continue
		}

		u := &unstructured.Unstructured{Object: obj}
		if u.IsList() {
			list, err := u.ToList()
			if err != nil {
				return nil, fmt.Errorf("failed to decode list: %w", err)
			}
			for i := range list.Items {
				manifests = append(manifests, FromUnstructured(&list.Items[i]))
			}
			continue
		}

		if u.GetKind() == "" {
			return nil, fmt.Errorf("manifest %q is missing kind", u.GetName())
		}
		if u.GetName() == "" {
			return nil, fmt.Errorf("%s manifest is missing metadata.name", u.GetKind())
		}
		manifests = append(manifests, New(obj))
	}

	return manifests, nil
}

// LoadFile reads all manifests in a file.
func LoadFile(path string) ([]*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	manifests, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifests, nil
}

// LoadPath reads a single file, or every .yaml, .yml and .json file directly
// inside a directory in lexical order.
func LoadPath(path string) ([]*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifests: %w", err)
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)

	var manifests []*Manifest
	for _, f := range files {
		ms, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, ms...)
	}
	return manifests, nil
}
