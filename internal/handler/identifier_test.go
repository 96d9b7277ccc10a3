package handler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consometers/sge-tiers-proxy/internal/handler"
)

func TestParseIdentifierWithSeries(t *testing.T) {
	up, series, err := handler.ParseIdentifier("urn:dev:prm:12345678901234_consumption/power/active/raw")
	require.NoError(t, err)
	assert.Equal(t, "12345678901234", up)
	assert.Equal(t, "consumption/power/active/raw", series)
}

func TestParseIdentifierWithoutSeries(t *testing.T) {
	up, series, err := handler.ParseIdentifier("urn:dev:prm:12345678901234")
	require.NoError(t, err)
	assert.Equal(t, "12345678901234", up)
	assert.Equal(t, "", series)
}

func TestParseIdentifierMalformed(t *testing.T) {
	_, _, err := handler.ParseIdentifier("not-an-identifier")
	assert.ErrorIs(t, err, handler.ErrBadRequest)
}
