package ovf

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ovfDescriptor = `<?xml version="1.0"?>
<Envelope>
  <References>
    <File id="file1" href="disk.vmdk"/>
  </References>
  <DiskSection>
    <Disk fileRef="file1" format="http://www.vmware.com/interfaces/specifications/vmdk.html"/>
  </DiskSection>
</Envelope>`

func buildOVA(t *testing.T, diskContents []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	entries := []struct {
		name string
		data []byte
	}{
		{"appliance.ovf", []byte(ovfDescriptor)},
		{"disk.vmdk", diskContents},
	}
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Size: int64(len(e.data)), Mode: 0o644}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func Test_GetOVF(t *testing.T) {
	ova := buildOVA(t, []byte("fake-disk-bytes"))

	name, contents, err := GetOVF(ova)
	require.NoError(t, err)
	assert.Equal(t, "appliance.ovf", name)
	assert.Equal(t, ovfDescriptor, string(contents))
}

func Test_GetOVF_NoDescriptor(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "disk.vmdk", Size: 4, Mode: 0o644}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, _, err = GetOVF(buf.Bytes())
	require.Error(t, err)
}

func Test_ExtractFile(t *testing.T) {
	ova := buildOVA(t, []byte("fake-disk-bytes"))

	data, err := ExtractFile(ova, "disk.vmdk")
	require.NoError(t, err)
	assert.Equal(t, "fake-disk-bytes", string(data))

	_, err = ExtractFile(ova, "missing.vmdk")
	require.Error(t, err)
}

func Test_GetDiskName(t *testing.T) {
	format, file, err := GetDiskName([]byte(ovfDescriptor))
	require.NoError(t, err)
	assert.Equal(t, "vmdk", format)
	assert.Equal(t, "disk.vmdk", file)
}

func Test_GetDiskName_UnknownFormat(t *testing.T) {
	descriptor := `<Envelope>
  <References><File id="file1" href="disk.raw"/></References>
  <DiskSection><Disk fileRef="file1" format="http://example.com/unknown"/></DiskSection>
</Envelope>`

	_, _, err := GetDiskName([]byte(descriptor))
	require.Error(t, err)
}
