package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pitabwire/modelmgmt/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidate_reportsInvalidModels(t *testing.T) {
	out, err := execute(t, "validate", "--dir", "testdata/models")
	require.ErrorIs(t, err, errInvalid)
	require.Contains(t, out, "draft: ")
	require.Contains(t, out, "validation.field.mandatory")
	require.NotContains(t, out, "ticket:")
	require.Contains(t, out, "1 of 3 models invalid")
}

func TestValidate_structuralErrors(t *testing.T) {
	out, err := execute(t, "validate", "--dir", "testdata/broken")
	require.ErrorIs(t, err, errInvalid)
	require.Contains(t, out, "missing")
}

func TestValidate_missingDirectory(t *testing.T) {
	_, err := execute(t, "validate", "--dir", "testdata/nope")
	require.Error(t, err)
	require.NotErrorIs(t, err, errInvalid)
}

func TestList_table(t *testing.T) {
	out, err := execute(t, "list", "-d", "testdata/models")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, out, "record")
	require.Contains(t, out, "ticket")
}

func TestList_json(t *testing.T) {
	out, err := execute(t, "list", "-d", "testdata/models", "--json")
	require.NoError(t, err)

	var models []model.ModelSummary
	require.NoError(t, json.Unmarshal([]byte(out), &models))
	require.Len(t, models, 3)

	byID := map[string]model.ModelSummary{}
	for _, m := range models {
		byID[m.ID] = m
	}
	require.True(t, byID["record"].Abstract)
	require.Equal(t, "record", byID["ticket"].Parent)
}

func TestDescribe(t *testing.T) {
	out, err := execute(t, "describe", "ticket", "-d", "testdata/models")
	require.NoError(t, err)

	var got struct {
		Model      model.ModelDescriptor  `json:"model"`
		Validation model.ValidationReport `json:"validation"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "ticket", got.Model.ID)
	require.True(t, got.Validation.Valid)
	require.NotEmpty(t, got.Model.Attributes)
}

func TestDescribe_unknownModel(t *testing.T) {
	_, err := execute(t, "describe", "nope", "-d", "testdata/models")
	require.Error(t, err)
}

func TestDescribe_requiresModelID(t *testing.T) {
	_, err := execute(t, "describe", "-d", "testdata/models")
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Equal(t, "modelctl dev (unknown)\n", out)
}
