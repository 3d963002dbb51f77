package processing_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/processing"
	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

func TestParsePrice(t *testing.T) {
	tax := taxonomy.Default()

	tests := []struct {
		name  string
		input any
		want  models.PriceBucket
	}{
		{name: "nil", input: nil, want: models.PriceUnknown},
		{name: "gratuit", input: "Gratuit", want: models.PriceFree},
		{name: "entree libre", input: "<p>Entrée libre dans la limite des places</p>", want: models.PriceFree},
		{name: "free flag", input: true, want: models.PriceFree},
		{name: "zero", input: json.Number("0"), want: models.PriceFree},
		{name: "cheap number", input: 8.5, want: models.PriceCheap},
		{name: "euro text", input: "Tarif unique 12€", want: models.PriceMedium},
		{name: "range takes lowest", input: "de 35 à 60 euros", want: models.PriceHigh},
		{name: "reduced rate", input: "Plein tarif 25 €, réduit 7 €", want: models.PriceCheap},
		{name: "bare numbers", input: "15-20", want: models.PriceMedium},
		{name: "language map", input: map[string]any{"fr": "5 euros", "en": "5 euros"}, want: models.PriceCheap},
		{name: "bucket literal", input: "medium", want: models.PriceMedium},
		{name: "ambiguous", input: "Sur réservation", want: models.PriceUnknown},
		{name: "numbers without currency", input: "Ouvert du 3 au 12 mai", want: models.PriceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, processing.ParsePrice(tax, tt.input))
		})
	}
}

func TestBucketAmount(t *testing.T) {
	require.Equal(t, models.PriceFree, processing.BucketAmount(0))
	require.Equal(t, models.PriceCheap, processing.BucketAmount(9.99))
	require.Equal(t, models.PriceMedium, processing.BucketAmount(10))
	require.Equal(t, models.PriceMedium, processing.BucketAmount(29.5))
	require.Equal(t, models.PriceHigh, processing.BucketAmount(30))
	require.Equal(t, models.PriceUnknown, processing.BucketAmount(-1))
}
