package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

const tciPageHTML = `<html><body>
<div class="product-list-item">
  <div class="product-name">Acetone, 99.5%</div>
  <div class="product-code">A0054</div>
  <div class="cas-number">CAS RN: 67-64-1</div>
  <table class="product-variations"><tbody>
    <tr>
      <td class="unit">25mL</td>
      <td class="price">€18,40</td>
      <td class="stock"><span class="stock-badge">DE: &gt;10</span><span class="stock-badge">US: 3</span></td>
    </tr>
    <tr>
      <td class="unit">500mL</td>
      <td class="price">Ask</td>
      <td class="stock"></td>
    </tr>
  </tbody></table>
</div>
<div class="product-list-item">
  <div class="product-name">Acetonitrile</div>
  <div class="product-code">A0084</div>
  <div class="cas-number">CAS RN: 75-05-8</div>
</div>
<div class="product-list-item">
  <div class="product-name">Nameless card without code</div>
</div>
</body></html>`

func TestParseTciPage(t *testing.T) {
	products := ParseTciPage(tciPageHTML, types.NewCancelFlag())

	require.Len(t, products, 2)

	first := products[0]
	assert.Equal(t, "Acetone, 99.5%", first.ProductName)
	assert.Equal(t, "A0054", first.ProductCode)
	assert.Equal(t, "67-64-1", first.CasNumber)
	require.Len(t, first.Variations, 2)

	assert.Equal(t, "25mL", first.Variations[0].Unit)
	require.NotNil(t, first.Variations[0].OriginalPriceNumeric)
	assert.InDelta(t, 18.40, *first.Variations[0].OriginalPriceNumeric, 0.001)
	assert.Equal(t, []string{"DE: >10", "US: 3"}, first.Variations[0].StockInfo)

	// Unparseable price keeps the raw string, numeric stays nil.
	assert.Equal(t, "Ask", first.Variations[1].OriginalPriceStr)
	assert.Nil(t, first.Variations[1].OriginalPriceNumeric)

	assert.Equal(t, "A0084", products[1].ProductCode)
}

func TestParseTciPage_CancelStopsParsing(t *testing.T) {
	flag := types.NewCancelFlag()
	flag.Cancel()

	products := ParseTciPage(tciPageHTML, flag)

	assert.Empty(t, products)
}

func TestParseTciPage_EmptyHTML(t *testing.T) {
	assert.Empty(t, ParseTciPage("<html><body></body></html>", types.NewCancelFlag()))
}
