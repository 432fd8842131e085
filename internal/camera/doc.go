// Package camera はネットワークカメラのロスター取得とストリーム受信を担う
//
// # 責務
// - カメラレジストリからのロスター取得
// - URLスキームに応じたストリームの接続 (http, https, file)
// - 連結JPEGストリームのフレーム分割とデコード
//
// # 仕様
// - Registry: HTTPレジストリまたは設定ファイルの固定ロスター
// - Source: 1回の接続ごとにio.ReadCloserを返す。再接続は呼び出し側が行う
// - Decoder: FF D8 から最初の FF D9 までを1フレームとして扱う
// - エラーは ErrRegistry / ErrStream をラップして返す
package camera
