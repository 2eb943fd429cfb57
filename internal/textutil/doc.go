// Package textutil provides text helpers shared by the transcript renderers
// and the HTTP layer, chiefly turning free-form video titles into safe file
// names.
package textutil
