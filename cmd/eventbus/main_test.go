package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-eventbus/contracts"
	"github.com/glimte/mmate-eventbus/tenant"
)

func TestRawEvent(t *testing.T) {
	evt, err := newRawEvent("OrderPlaced", []byte(`{"orderId":"7","tenantCode":"acme"}`))
	require.NoError(t, err)
	assert.Equal(t, "OrderPlaced", contracts.EventName(evt))
	assert.Equal(t, "acme", evt.GetTenantCode())

	body, err := json.Marshal(evt)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "7", doc["orderId"])
	assert.Equal(t, evt.ID, doc["id"])

	_, err = newRawEvent("OrderPlaced", []byte(`[1,2]`))
	assert.Error(t, err)
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestEncryptCommand(t *testing.T) {
	out, err := runCmd(t, "encrypt", "--generate-key")
	require.NoError(t, err)
	key := strings.TrimSpace(out)
	raw, err := base64.StdEncoding.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	t.Setenv("EVENTBUS_TENANT_SECRET_KEY", key)
	out, err = runCmd(t, "encrypt", "postgres://acme")
	require.NoError(t, err)

	box, err := tenant.NewSecretBoxFromBase64(key)
	require.NoError(t, err)
	plain, err := box.Decrypt(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "postgres://acme", plain)
}
