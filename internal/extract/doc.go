// Package extract discovers URL references inside HTML and CSS documents.
//
// Every reference carries the byte span of its raw text in the document so
// the rewriter can substitute it without parsing the document again. HTML is
// scanned with the golang.org/x/net/html tokenizer, which tolerates broken
// markup; CSS is scanned for url(...) and @import.
package extract
