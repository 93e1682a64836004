package tabular

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/text/encoding/unicode"
)

func TestParse_CSV(t *testing.T) {
	source := []byte("phone,first_name,code\n08031234567,Ada,X9\n08031234568,Grace,Y7\n")

	recipients, err := Parse(source)
	require.NoError(t, err)
	require.Len(t, recipients, 2)

	assert.Equal(t, "phone", recipients[0].PhoneField)
	assert.Equal(t, "08031234567", recipients[0].Attrs["phone"])
	assert.Equal(t, "Ada", recipients[0].Attrs["first_name"])
	assert.Equal(t, 0, recipients[0].OriginalIndex)
	assert.Equal(t, 1, recipients[1].OriginalIndex)
}

func TestParse_DelimiterSniffing(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"semicolon", "phone;name\n08031234567;Ada\n"},
		{"tab", "phone\tname\n08031234567\tAda\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipients, err := Parse([]byte(tt.source))
			require.NoError(t, err)
			require.Len(t, recipients, 1)
			assert.Equal(t, "Ada", recipients[0].Attrs["name"])
		})
	}
}

func TestParse_PhoneColumnDetection(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"exact phone", "phone,name", "phone"},
		{"phone number variant", "Phone Number,name", "Phone Number"},
		{"mobile", "mobile,name", "mobile"},
		{"msisdn", "msisdn,name", "msisdn"},
		{"phone beats mobile", "mobile,phone", "phone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := []byte(tt.header + "\n08031234567,Ada\n")
			recipients, err := Parse(source)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, recipients[0].PhoneField)
		})
	}
}

func TestParse_NoPhoneColumn(t *testing.T) {
	_, err := Parse([]byte("name,email\nAda,ada@example.com\n"))
	assert.ErrorIs(t, err, ErrNoPhoneColumn)
}

func TestParse_Empty(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"empty file", ""},
		{"whitespace only", "   \n  "},
		{"header only", "phone,name\n"},
		{"header and blank rows", "phone,name\n\n , \n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.source))
			assert.ErrorIs(t, err, ErrEmptySource)
		})
	}
}

func TestParse_TrimsCellsAndToleratesRaggedRows(t *testing.T) {
	source := []byte("phone, name ,city\n 08031234567 , Ada \n08031234568,Grace,Lagos,extra\n")

	recipients, err := Parse(source)
	require.NoError(t, err)
	require.Len(t, recipients, 2)

	assert.Equal(t, "08031234567", recipients[0].Attrs["phone"])
	assert.Equal(t, "Ada", recipients[0].Attrs["name"])
	assert.Equal(t, "", recipients[0].Attrs["city"], "missing trailing cell becomes empty attribute")
	assert.Equal(t, "Lagos", recipients[1].Attrs["city"])
}

func TestParse_UTF8BOM(t *testing.T) {
	source := append([]byte{0xEF, 0xBB, 0xBF}, []byte("phone,name\n08031234567,Ada\n")...)

	recipients, err := Parse(source)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "phone", recipients[0].PhoneField, "BOM must not corrupt the first header cell")
}

func TestParse_UTF16(t *testing.T) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	source, err := enc.Bytes([]byte("phone,name\n08031234567,Adaëze\n"))
	require.NoError(t, err)

	recipients, errParse := Parse(source)
	require.NoError(t, errParse)
	require.Len(t, recipients, 1)
	assert.Equal(t, "Adaëze", recipients[0].Attrs["name"])
}

func TestParse_QuotedFields(t *testing.T) {
	source := []byte("phone,name\n08031234567,\"Lovelace, Ada\"\n")

	recipients, err := Parse(source)
	require.NoError(t, err)
	assert.Equal(t, "Lovelace, Ada", recipients[0].Attrs["name"])
}
