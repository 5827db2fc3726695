package llmswitch

import (
	"bufio"
	"bytes"
	"io"
)

// =============================================================================
// 📡 SSE 逐事件变换
// =============================================================================

// sseTransformer 把上游 data 载荷翻译成客户端协议的事件帧。
// 每个返回帧都是完整的 SSE 帧（含结尾空行）。
type sseTransformer interface {
	// start 流开始时一次性发出的前导帧
	start() [][]byte
	// event 翻译一个上游 data 载荷（[DONE] 不会进入这里）
	event(data []byte) [][]byte
	// done 上游发出 [DONE] 或正常关闭时的收尾帧
	done() [][]byte
}

var doneMarker = []byte("[DONE]")

// transformSSE 把上游 SSE 字节源套上逐事件变换。底层读错误原样
// 传播 —— 首字节之后的失败由网关按流截断处理。
func transformSSE(src io.ReadCloser, t sseTransformer) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer src.Close()

		writeFrames := func(frames [][]byte) bool {
			for _, f := range frames {
				if _, err := pw.Write(f); err != nil {
					return false
				}
			}
			return true
		}

		if !writeFrames(t.start()) {
			return
		}

		scanner := bufio.NewScanner(src)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(line[len("data:"):])
			if bytes.Equal(data, doneMarker) {
				break
			}
			if len(data) == 0 {
				continue
			}
			if !writeFrames(t.event(data)) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			pw.CloseWithError(err)
			return
		}

		writeFrames(t.done())
		pw.Close()
	}()

	return pr
}

// sseFrame 组装一个带事件名的 SSE 帧。
func sseFrame(event string, data []byte) []byte {
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteString("\n")
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
