package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ScanCode разобранное содержимое QR-кода товара: "ID:7|Nombre:Llave|Codigo:000000000007".
// Строка без полей считается штрихкодом.
type ScanCode struct {
	ProductID int64
	Name      string
	Barcode   string
	Raw       string
}

func ParseScanCode(raw string) ScanCode {
	raw = strings.TrimSpace(raw)
	sc := ScanCode{Raw: raw}
	if !strings.Contains(raw, ":") {
		sc.Barcode = raw
		return sc
	}
	for _, part := range strings.Split(raw, "|") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "id":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				sc.ProductID = n
			}
		case "nombre":
			sc.Name = v
		case "codigo":
			sc.Barcode = v
		}
	}
	return sc
}

// QRPayload строка, которая печатается в QR-коде товара
func QRPayload(p Product) string {
	s := fmt.Sprintf("ID:%d|Nombre:%s", p.ID, p.Name)
	if p.Barcode != "" {
		s += "|Codigo:" + p.Barcode
	}
	return s
}

// DefaultBarcode штрихкод по id, если пользователь его не задал
func DefaultBarcode(id int64) string {
	return fmt.Sprintf("%012d", id)
}

// DefaultLocation ячейка по id: A01..A10, B01..B10 и т.д.
func DefaultLocation(id int64) string {
	if id <= 0 {
		return "A01"
	}
	letter := rune('A' + (id-1)/10)
	if letter > 'Z' {
		letter = 'Z'
	}
	return fmt.Sprintf("%c%02d", letter, (id-1)%10+1)
}
