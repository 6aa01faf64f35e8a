package auth

import "context"

type subjectKey struct{}

// SystemActor 是未启用认证或宿主内部调用时记录的操作者。
const SystemActor = "system"

// Actor 标识安装记录和审计日志中的操作者。
type Actor struct {
	User      string
	Workspace string
}

func withSubject(ctx context.Context, subject *Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 返回中间件写入的主体，未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// ActorFrom 返回请求的操作者。
func ActorFrom(ctx context.Context) Actor {
	if subject := SubjectFromContext(ctx); subject != nil {
		return Actor{User: subject.UserID, Workspace: subject.Workspace}
	}
	return Actor{User: SystemActor}
}
