package content

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Hello":                           "Hello",
		"  Hello  ":                       "Hello",
		"Rock &#8217;n&#8217; Roll":       "Rock 'n' Roll",
		"Rock ’n’ Roll":         "Rock 'n' Roll",
		"&#8220;Quoted&#8221; &amp; more": `"Quoted" & more`,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeTitle(in), in)
	}
}

func TestKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "FETCH_FAILED", Kind(fmt.Errorf("page 2: %w", ErrFetchFailed)))
	assert.Equal(t, "STAGING_MISS", Kind(fmt.Errorf("take: %w", ErrStagingMiss)))
	assert.Equal(t, "CONFIG_ERROR", Kind(ErrConfig))
	assert.Equal(t, "UNKNOWN", Kind(errors.New("boom")))
}
