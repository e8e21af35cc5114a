package imagelist

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDocJSON = `{
  "hv:imagelist": {
    "dc:date:created": "2024-01-01T00:00:00Z",
    "dc:date:expires": "2099-01-01T00:00:00Z",
    "hv:endorser": {
      "hv:x509": {
        "dc:creator": "EGI Foundation",
        "hv:ca": "/C=EU/O=GridCA",
        "hv:dn": "/C=EU/O=EGI/CN=endorser",
        "hv:email": "ops@egi.eu"
      }
    },
    "dc:identifier": "list-uuid-1",
    "dc:description": "a test list",
    "dc:title": "Test List",
    "dc:source": "https://example/list",
    "hv:version": "1",
    "hv:uri": "https://example/list",
    "hv:vo": "vo.example.org",
    "hv:images": [
      {
        "hv:image": {
          "ad:group": "vo.example.org",
          "ad:mpuri": "https://marketplace.example/img-1",
          "ad:user:fullname": "Jane Doe",
          "ad:user:guid": "abc-123",
          "ad:user:uri": "https://example.org/users/jane",
          "dc:description": "a test image",
          "dc:identifier": "img-1",
          "dc:title": "test-image",
          "hv:hypervisor": "KVM",
          "hv:format": "qcow2",
          "hv:size": "1024",
          "hv:uri": "https://example/img-1",
          "hv:version": "1",
          "sl:arch": "x86_64",
          "sl:checksum:sha512": "AB",
          "sl:comments": "",
          "sl:os": "linux",
          "sl:osname": "CentOS",
          "sl:osversion": "7"
        }
      }
    ]
  }
}`

func decode(t *testing.T, data string) map[string]any {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &raw))
	return raw
}

func Test_New(t *testing.T) {
	doc, err := New(decode(t, validDocJSON))
	require.NoError(t, err)

	assert.Equal(t, "list-uuid-1", doc.UUID)
	assert.Equal(t, "Test List", doc.Name)
	assert.Equal(t, "vo.example.org", doc.VO)
	assert.Equal(t, "/C=EU/O=EGI/CN=endorser", doc.Endorser.DN)
	require.Len(t, doc.Images, 1)
	assert.Equal(t, "img-1", doc.Images[0].Identifier)
	assert.True(t, doc.Expires.After(doc.Created))
}

func Test_New_MissingField(t *testing.T) {
	raw := decode(t, validDocJSON)
	meta := raw["hv:imagelist"].(map[string]any)
	delete(meta, "dc:source")

	_, err := New(raw)
	require.Error(t, err)
}

func Test_New_InvalidImageFailsWholeDocument(t *testing.T) {
	raw := decode(t, validDocJSON)
	meta := raw["hv:imagelist"].(map[string]any)
	images := meta["hv:images"].([]any)
	img := images[0].(map[string]any)
	delete(img["hv:image"].(map[string]any), "sl:arch")

	_, err := New(raw)
	require.Error(t, err)
}

func Test_New_MissingTopLevelKey(t *testing.T) {
	_, err := New(map[string]any{})
	require.Error(t, err)
}
