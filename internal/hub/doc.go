// Package hub 描述制品仓库的类型，并负责把 (仓库, 文件) 映射为上游 URL。
//
// 内置类型 model / dataset / space 指向 huggingface 的 resolve 端点，
// custom 类型使用配置中的 Endpoint。新增类型通过 Register 在 init() 中注册。
package hub
