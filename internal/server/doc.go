// Package server は録画状況を確認するためのHTTP APIを提供します。
//
// 責務:
//   - ヘルスチェック
//   - ワーカー全体の稼働状況の返却
//   - カメラ一覧と個別カメラの状態の返却
//   - 個別カメラのワーカー停止
//
// 仕様:
//   - Ginを使用
//   - JSON API（停止以外は読み取り専用）
//   - 起動に失敗しても録画は止めない
//   - グレースフルシャットダウンに対応
package server
