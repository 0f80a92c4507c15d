package api

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var specYAML []byte

var (
	specOnce sync.Once
	specDoc  *openapi3.T
	specErr  error
)

// GetSwagger は埋め込まれたOpenAPI定義を読み込み、検証して返す
func GetSwagger() (*openapi3.T, error) {
	specOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromData(specYAML)
		if err != nil {
			specErr = fmt.Errorf("OpenAPI定義の読み込みに失敗: %w", err)
			return
		}
		if err := doc.Validate(loader.Context); err != nil {
			specErr = fmt.Errorf("OpenAPI定義が不正です: %w", err)
			return
		}
		specDoc = doc
	})
	return specDoc, specErr
}

// RawSpec は埋め込まれたOpenAPI定義のYAMLを返す
func RawSpec() []byte {
	return specYAML
}
