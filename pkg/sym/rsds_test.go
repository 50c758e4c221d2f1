package sym

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testGUID = [16]byte{
	0x33, 0x22, 0x11, 0x00, // Data1
	0x55, 0x44, // Data2
	0x77, 0x66, // Data3
	0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
}

const testGUIDString = "00112233445566778899AABBCCDDEEFF"

func rsdsRecord(guid [16]byte, age uint32, name string) []byte {
	rec := append([]byte("RSDS"), guid[:]...)
	rec = binary.LittleEndian.AppendUint32(rec, age)
	rec = append(rec, name...)
	return append(rec, 0)
}

func TestReadIdentity(t *testing.T) {
	image := append(bytes.Repeat([]byte{0xcc}, 0x100), rsdsRecord(testGUID, 7, "foo.pdb")...)
	image = append(image, bytes.Repeat([]byte{0}, 16)...)

	ident, err := ReadIdentity(image)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: testGUIDString + "7", Name: "foo.pdb"}, ident)
}

func TestReadIdentityAgeIsDecimal(t *testing.T) {
	ident, err := ReadIdentity(rsdsRecord(testGUID, 0x1234, "ntkrnlmp.pdb"))
	require.NoError(t, err)
	assert.Equal(t, testGUIDString+"4660", ident.ID)
	assert.Equal(t, "ntkrnlmp.pdb", ident.Name)
}

func TestReadIdentitySkipsFalsePositive(t *testing.T) {
	image := rsdsRecord([16]byte{}, 1, "fo\x01o.pdb")
	image = append(image, rsdsRecord(testGUID, 2, "good.pdb")...)

	ident, err := ReadIdentity(image)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: testGUIDString + "2", Name: "good.pdb"}, ident)
}

func TestReadIdentityAcceptsEmptyName(t *testing.T) {
	image := append(rsdsRecord(testGUID, 1, ""), 'X')
	image = append(image, rsdsRecord(testGUID, 2, "later.pdb")...)

	ident, err := ReadIdentity(image)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: testGUIDString + "1"}, ident)
}

func TestReadIdentityErrors(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		want  error
	}{
		{"no marker", bytes.Repeat([]byte("RSD"), 40), ErrNoIdentity},
		{"empty", nil, ErrNoIdentity},
		{"too small", append([]byte("xxRSDS"), make([]byte, 10)...), ErrImageTooSmall},
		{"unterminated", append(append([]byte("RSDS"), make([]byte, 20)...), "abc"...), ErrUnterminatedName},
		{"all rejected", rsdsRecord(testGUID, 1, "bad\xffname"), ErrNoIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadIdentity(tt.image)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReadIdentityTooSmallAfterRejectedCandidate(t *testing.T) {
	image := rsdsRecord(testGUID, 1, "a\x02")
	image = append(image, []byte("RSDS1234")...)

	_, err := ReadIdentity(image)
	assert.ErrorIs(t, err, ErrImageTooSmall)
}
