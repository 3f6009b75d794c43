// Package invoice renders committed sales as ESC/POS byte streams for
// 58mm thermal printers, plus a plain text preview for on-screen display.
package invoice

import (
	"encoding/base64"
	"fmt"
	"strings"

	"lakupos/internal/domain"
)

// Render builds the printable invoice for a sale. Voided sales still
// render so a reprint shows the void watermark instead of disappearing.
func Render(sale domain.Sale) domain.InvoiceResponse {
	lines := []string{
		"LakuPOS",
		"========================",
		fmt.Sprintf("Invoice #%d", sale.InvoiceNumber),
		"Sale: " + sale.ID,
		"Branch: " + sale.BranchID,
		"Terminal: " + sale.TerminalID,
		"Date: " + sale.CreatedAt.Format("2006-01-02 15:04:05"),
		"------------------------",
	}
	for _, line := range sale.Lines {
		lines = append(lines, fmt.Sprintf("%s x%d", line.SKU, line.Qty))
		lines = append(lines, fmt.Sprintf("  %d", line.LineTotalCents))
	}
	lines = append(lines,
		"------------------------",
		fmt.Sprintf("Subtotal : %d", sale.SubtotalCents),
		fmt.Sprintf("Diskon   : %d", sale.DiscountCents),
		fmt.Sprintf("Pajak    : %d", sale.TaxCents),
		fmt.Sprintf("Total    : %d", sale.TotalCents),
		"Bayar    : "+sale.PaymentMethod,
	)
	if sale.Voided {
		lines = append(lines,
			"========================",
			"*** VOID ***",
			"Alasan: "+sale.VoidReason,
		)
	}
	lines = append(lines,
		"========================",
		"Terima kasih",
		"",
	)

	escpos := []byte{0x1b, 0x40}
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, []byte{0x1d, 0x56, 0x41, 0x10}...)

	return domain.InvoiceResponse{
		SaleID:        sale.ID,
		InvoiceNumber: sale.InvoiceNumber,
		EscposBase64:  base64.StdEncoding.EncodeToString(escpos),
		PreviewText:   strings.Join(lines, "\n"),
		FileName:      fmt.Sprintf("invoice-%d.bin", sale.InvoiceNumber),
	}
}
