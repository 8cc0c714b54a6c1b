package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/jmehdipour/treesync/internal/model"
)

// object is a decoded JSON object; numbers stay json.Number.
type object map[string]any

func decodeTagged(raw []byte) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, formatErr("$", "not valid JSON: %v", err)
	}
	if dec.More() {
		return nil, formatErr("$", "trailing data after artifact")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, formatErr("$", "artifact must be a JSON object, got %s", kindOf(v))
	}
	return obj, nil
}

// checkShape validates the top-level fields and returns the entry list.
func checkShape(a object) ([]any, error) {
	version, err := a.str("version", "version", true)
	if err != nil {
		return nil, err
	}
	if !semver.IsValid("v" + version) {
		return nil, formatErr("version", "%q is not a semantic version", version)
	}
	if _, err := a.timestamp("timestamp", "timestamp", true); err != nil {
		return nil, err
	}
	raw, ok := a["queueEntries"]
	if !ok {
		return nil, formatErr("queueEntries", "is required")
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, formatErr("queueEntries", "must be an array, got %s", kindOf(raw))
	}
	return entries, nil
}

func checkVersion(a object) error {
	got, _ := a["version"].(string)
	if semver.Major("v"+got) != semver.Major("v"+SchemaVersion) {
		return &VersionMismatchError{Got: got, Want: SchemaVersion}
	}
	return nil
}

func checkMetadata(a object, entries int) error {
	raw, ok := a["metadata"]
	if !ok || raw == nil {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return formatErr("metadata", "must be an object, got %s", kindOf(raw))
	}
	meta := object(m)
	if _, present := meta["totalEntries"]; present {
		total, err := meta.count("totalEntries", "metadata.totalEntries")
		if err != nil {
			return err
		}
		if total != entries {
			return formatErr("metadata.totalEntries", "is %d but queueEntries holds %d", total, entries)
		}
	}
	if _, err := meta.str("exportedBy", "metadata.exportedBy", false); err != nil {
		return err
	}
	if _, err := meta.str("description", "metadata.description", false); err != nil {
		return err
	}
	return nil
}

// checkEntry validates one queue entry at path (e.g. "queueEntries[2]").
func checkEntry(raw any, path string) (string, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return "", formatErr(path, "must be an object, got %s", kindOf(raw))
	}
	e := object(m)
	at := func(field string) string { return path + "." + field }

	id, err := e.str("id", at("id"), true)
	if err != nil {
		return "", err
	}
	action, err := e.str("action", at("action"), true)
	if err != nil {
		return "", err
	}
	if !model.Action(action).Valid() {
		return "", formatErr(at("action"), "%q is not one of create, update, delete", action)
	}
	if _, err := e.str("collection", at("collection"), true); err != nil {
		return "", err
	}
	if _, err := e.str("documentId", at("documentId"), true); err != nil {
		return "", err
	}
	if _, err := e.timestamp("timestamp", at("timestamp"), true); err != nil {
		return "", err
	}
	status, err := e.str("status", at("status"), true)
	if err != nil {
		return "", err
	}
	if !model.Status(status).Valid() {
		return "", formatErr(at("status"), "%q is not one of pending, syncing, synced, failed", status)
	}
	if _, present := e["retryCount"]; !present {
		return "", formatErr(at("retryCount"), "is required")
	}
	if _, err := e.count("retryCount", at("retryCount")); err != nil {
		return "", err
	}

	rawMeta, ok := e["metadata"]
	if !ok {
		return "", formatErr(at("metadata"), "is required")
	}
	mm, ok := rawMeta.(map[string]any)
	if !ok {
		return "", formatErr(at("metadata"), "must be an object, got %s", kindOf(rawMeta))
	}
	meta := object(mm)
	for _, field := range []string{"entityType", "displayName", "description"} {
		if _, present := meta[field]; !present {
			return "", formatErr(at("metadata."+field), "is required")
		}
		if _, err := meta.str(field, at("metadata."+field), false); err != nil {
			return "", err
		}
	}

	if _, err := e.str("lastError", at("lastError"), false); err != nil {
		return "", err
	}
	if _, err := e.timestamp("nextAttemptAt", at("nextAttemptAt"), false); err != nil {
		return "", err
	}
	if v, present := e["needsResolution"]; present && v != nil {
		if _, ok := v.(bool); !ok {
			return "", formatErr(at("needsResolution"), "must be a boolean, got %s", kindOf(v))
		}
	}
	return id, nil
}

// str reads a string field. Required fields must be non-blank; optional ones may be absent or null.
func (o object) str(key, path string, required bool) (string, error) {
	v, ok := o[key]
	if !ok || v == nil {
		if required {
			return "", formatErr(path, "is required")
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", formatErr(path, "must be a string, got %s", kindOf(v))
	}
	if required && strings.TrimSpace(s) == "" {
		return "", formatErr(path, "must not be empty")
	}
	return s, nil
}

func (o object) timestamp(key, path string, required bool) (time.Time, error) {
	s, err := o.str(key, path, required)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, formatErr(path, "%q is not an ISO-8601 timestamp", s)
	}
	return t, nil
}

// count reads a non-negative integer.
func (o object) count(key, path string) (int, error) {
	v := o[key]
	n, ok := v.(json.Number)
	if !ok {
		return 0, formatErr(path, "must be a number, got %s", kindOf(v))
	}
	i, err := n.Int64()
	if err != nil {
		return 0, formatErr(path, "must be an integer, got %s", n.String())
	}
	if i < 0 {
		return 0, formatErr(path, "must not be negative, got %d", i)
	}
	return int(i), nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
