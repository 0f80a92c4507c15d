package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// QRDecoder はgozxingでQRコードを読み取るCodeDecoder実装
type QRDecoder struct {
	hints map[gozxing.DecodeHintType]interface{}
}

var _ CodeDecoder = (*QRDecoder)(nil)

// NewQRDecoder は新しいQRDecoderを作成する
func NewQRDecoder() *QRDecoder {
	return &QRDecoder{
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Decode は画像内のQRコードを読み取る。見つからなければ空文字列を返す
func (d *QRDecoder) Decode(ctx context.Context, img image.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("二値画像の作成に失敗: %w", err)
	}

	// リーダーは内部状態を持つため呼び出しごとに作る
	result, err := qrcode.NewQRCodeReader().Decode(bmp, d.hints)
	if err != nil {
		var notFound gozxing.NotFoundException
		var checksum gozxing.ChecksumException
		var format gozxing.FormatException
		if errors.As(err, &notFound) || errors.As(err, &checksum) || errors.As(err, &format) {
			return "", nil
		}
		return "", fmt.Errorf("QRコードの読み取りに失敗: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return result.GetText(), nil
}
