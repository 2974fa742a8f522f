package auth

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

const (
	msgRequired         = "This field is required."
	msgUsernameTooLong  = "Ensure this value has at most 150 characters."
	msgUsernameInvalid  = "Enter a valid username. This value may contain only letters, numbers, and @/./+/-/_ characters."
	msgPasswordMismatch = "The two password fields didn’t match."
	msgUserExists       = "A user with that username already exists."
	msgPasswordTooLong  = "Ensure this value has at most 72 bytes."
)

// maxPasswordBytes は bcrypt が扱えるパスワードの最大長です。
const maxPasswordBytes = 72

var usernamePattern = regexp.MustCompile(`^[\p{L}\p{N}@.+\-_]+$`)

var registerValidators sync.Once

// RegisterForm は POST /register のフォームです。
type RegisterForm struct {
	Username             string `form:"username" binding:"required,max=150,username"`
	Password             string `form:"password" binding:"required"`
	PasswordConfirmation string `form:"password_confirmation" binding:"required"`
}

// formFieldNames は構造体フィールド名からフォームのキーへの対応です。
var formFieldNames = map[string]string{
	"Username":             "username",
	"Password":             "password",
	"PasswordConfirmation": "password_confirmation",
}

// LoginForm は POST /login のフォームです。
// 未入力は「ユーザーが存在しない」として扱うため binding タグは付けません。
type LoginForm struct {
	Username string `form:"username"`
	Password string `form:"password"`
	Next     string `form:"next"`
}

// setupValidators は gin のバリデータにユーザー名ルールを登録します。
func setupValidators() {
	registerValidators.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
			return usernamePattern.MatchString(fl.Field().String())
		})
	})
}

// bindRegisterForm はリクエストからフォームを読み取り、フィールド単位の検証を行います。
// 戻り値のフォームは検証に失敗しても常に入力値を保持しています。
func bindRegisterForm(c *gin.Context) (RegisterForm, *ValidationError) {
	var form RegisterForm
	verr := &ValidationError{}

	if err := c.Request.ParseForm(); err != nil {
		verr.Add(NonFieldErrors, "The submitted form could not be read.")
		return form, verr
	}
	if err := binding.MapFormWithTag(&form, c.Request.PostForm, "form"); err != nil {
		verr.Add(NonFieldErrors, "The submitted form could not be read.")
		return form, verr
	}
	form.Username = strings.TrimSpace(form.Username)

	if err := binding.Validator.ValidateStruct(&form); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			verr.Add(NonFieldErrors, "The submitted form could not be read.")
			return form, verr
		}
		for _, fe := range fieldErrs {
			verr.Add(formFieldNames[fe.StructField()], validationMessage(fe))
		}
	}

	if !verr.Has("password") && len(form.Password) > maxPasswordBytes {
		verr.Add("password", msgPasswordTooLong)
	}
	if !verr.Has("password") && !verr.Has("password_confirmation") &&
		form.Password != form.PasswordConfirmation {
		verr.Add("password_confirmation", msgPasswordMismatch)
	}
	return form, verr
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return msgRequired
	case "max":
		return msgUsernameTooLong
	case "username":
		return msgUsernameInvalid
	default:
		return "Enter a valid value."
	}
}
