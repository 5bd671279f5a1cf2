package format

type row struct {
	id      ID
	natives map[Platform][]string
}

// table is the static canonical/native mapping. Order within a slice matters:
// the first name is the one used when publishing.
var table = []row{
	{Text, map[Platform][]string{
		Windows: {"CF_UNICODETEXT", "CF_TEXT"},
		MacOS:   {"public.utf8-plain-text", "NSStringPboardType"},
		IOS:     {"public.utf8-plain-text", "public.plain-text"},
		Linux:   {"text/plain;charset=utf-8", "UTF8_STRING", "text/plain", "STRING", "TEXT"},
		Android: {"text/plain"},
	}},
	{HTML, map[Platform][]string{
		Windows: {"HTML Format"},
		MacOS:   {"public.html"},
		IOS:     {"public.html"},
		Linux:   {"text/html"},
		Android: {"text/html"},
	}},
	{URIList, map[Platform][]string{
		Windows: {"UniformResourceLocatorW", "UniformResourceLocator"},
		MacOS:   {"public.url", "public.file-url"},
		IOS:     {"public.url"},
		Linux:   {"text/uri-list", "text/x-moz-url"},
		Android: {"text/uri-list"},
	}},
	{CSV, map[Platform][]string{
		Windows: {"CSV"},
		MacOS:   {"public.comma-separated-values-text"},
		IOS:     {"public.comma-separated-values-text"},
		Linux:   {"text/csv"},
		Android: {"text/csv"},
	}},
	{RTF, map[Platform][]string{
		Windows: {"Rich Text Format"},
		MacOS:   {"public.rtf"},
		IOS:     {"public.rtf"},
		Linux:   {"text/rtf", "application/rtf"},
		Android: {"application/rtf"},
	}},
	{JSON, map[Platform][]string{
		Windows: {"application/json"},
		MacOS:   {"public.json"},
		IOS:     {"public.json"},
		Linux:   {"application/json"},
		Android: {"application/json"},
	}},
	{PDF, map[Platform][]string{
		Windows: {"Portable Document Format"},
		MacOS:   {"com.adobe.pdf"},
		IOS:     {"com.adobe.pdf"},
		Linux:   {"application/pdf"},
		Android: {"application/pdf"},
	}},
	{PNG, map[Platform][]string{
		Windows: {"PNG", "image/png"},
		MacOS:   {"public.png"},
		IOS:     {"public.png"},
		Linux:   {"image/png"},
		Android: {"image/png"},
	}},
	{JPEG, map[Platform][]string{
		Windows: {"JFIF", "image/jpeg"},
		MacOS:   {"public.jpeg"},
		IOS:     {"public.jpeg"},
		Linux:   {"image/jpeg"},
		Android: {"image/jpeg"},
	}},
	{GIF, map[Platform][]string{
		Windows: {"GIF", "image/gif"},
		MacOS:   {"com.compuserve.gif"},
		IOS:     {"com.compuserve.gif"},
		Linux:   {"image/gif"},
		Android: {"image/gif"},
	}},
	{SVG, map[Platform][]string{
		Windows: {"image/svg+xml"},
		MacOS:   {"public.svg-image"},
		IOS:     {"public.svg-image"},
		Linux:   {"image/svg+xml"},
		Android: {"image/svg+xml"},
	}},
}
