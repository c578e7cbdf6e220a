package catalog

import (
	"strings"
	"unicode"
)

// Regions maps common spellings and abbreviations of Russian regions to
// their canonical names.
var Regions = map[string]string{
	"москва":                   "Москва",
	"мск":                      "Москва",
	"г. москва":                "Москва",
	"moscow":                   "Москва",
	"московская область":       "Московская область",
	"мо":                       "Московская область",
	"moscow oblast":            "Московская область",
	"санкт-петербург":          "Санкт-Петербург",
	"спб":                      "Санкт-Петербург",
	"питер":                    "Санкт-Петербург",
	"г. санкт-петербург":       "Санкт-Петербург",
	"saint petersburg":         "Санкт-Петербург",
	"st. petersburg":           "Санкт-Петербург",
	"ленинградская область":    "Ленинградская область",
	"ло":                       "Ленинградская область",
	"екатеринбург":             "Екатеринбург",
	"екб":                      "Екатеринбург",
	"yekaterinburg":            "Екатеринбург",
	"новосибирск":              "Новосибирск",
	"нск":                      "Новосибирск",
	"novosibirsk":              "Новосибирск",
	"казань":                   "Казань",
	"kazan":                    "Казань",
	"нижний новгород":          "Нижний Новгород",
	"нн":                       "Нижний Новгород",
	"nizhny novgorod":          "Нижний Новгород",
	"краснодар":                "Краснодар",
	"krasnodar":                "Краснодар",
	"ростов-на-дону":           "Ростов-на-Дону",
	"ростов":                   "Ростов-на-Дону",
	"rostov-on-don":            "Ростов-на-Дону",
	"самара":                   "Самара",
	"samara":                   "Самара",
	"республика татарстан":     "Республика Татарстан",
	"татарстан":                "Республика Татарстан",
	"республика башкортостан":  "Республика Башкортостан",
	"башкирия":                 "Республика Башкортостан",
	"краснодарский край":       "Краснодарский край",
	"свердловская область":     "Свердловская область",
	"новосибирская область":    "Новосибирская область",
	"нижегородская область":    "Нижегородская область",
	"ростовская область":       "Ростовская область",
	"самарская область":        "Самарская область",
}

// NormalizeRegion converts region names and abbreviations to their
// canonical spelling. Unrecognized input is returned trimmed.
func NormalizeRegion(s string) string {
	s = CollapseSpaces(s)
	if name, ok := Regions[strings.ToLower(s)]; ok {
		return name
	}
	return s
}

// CollapseSpaces trims s and reduces internal whitespace runs, including
// non-breaking spaces, to a single space.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeCode cleans an article/SKU code: whitespace is removed and a
// spreadsheet formula wrapper stripped. Case is preserved.
func NormalizeCode(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return strings.Join(strings.Fields(s), "")
}

// NormalizeBarcode keeps only the digits of a barcode. Spreadsheets often
// render long EANs in exponent form ("4.6E+12"), which cannot be recovered
// and is returned unchanged so coercion keeps the raw text.
func NormalizeBarcode(s string) string {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "eE+") {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
