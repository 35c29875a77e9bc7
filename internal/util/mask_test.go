package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a…@e….com", MaskEmail(" Alice@Example.com "))
	assert.Equal(t, "***", MaskEmail("bob"))
	assert.Equal(t, "", MaskEmail(""))
	assert.Equal(t, []string{"o…@f….example"}, MaskEmails([]string{"ops@fed.example"}))
}

func TestMaskDSN(t *testing.T) {
	got := MaskDSN("postgres://fed:s3cret@db:5432/hellofed?sslmode=disable")
	assert.NotContains(t, got, "s3cret")
	assert.True(t, strings.HasPrefix(got, "postgres://fed:"), got)
	assert.Contains(t, got, "@db:5432/hellofed")

	got = MaskDSN("host=db user=fed password=s3cret dbname=hellofed")
	assert.Equal(t, "host=db user=fed password=*** dbname=hellofed", got)

	got = MaskDSN("postgres://db/hellofed?password=s3cret")
	assert.NotContains(t, got, "s3cret")

	assert.Equal(t, "postgres://db/hellofed", MaskDSN("postgres://db/hellofed"))
}
